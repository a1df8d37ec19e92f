/*
 * Copyright 2024 The RuleGo Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package aspect provides built-in aspects that routes apply around every exchange.
//
// Available aspects, by registry name:
//
//   - debug: logs the exchange when it enters and leaves the route
//   - limiter: bounds the exchanges a route processes concurrently
//   - fallback: fails exchanges fast after repeated failures of a route
//   - metrics: counts exchanges in process and exports Prometheus collectors
//   - tracing: wraps every exchange in an OpenTelemetry span
//
// Usage:
//
//	router := impl.NewRouter().Use(aspect.NewMetricsAspect(nil, nil), &aspect.Tracing{}).
//		From("queue:orders").To("log:orders").End()
//
// Route files reference aspects by name:
//
//	routes:
//	  - id: orders
//	    from: queue:orders
//	    to: log:orders
//	    aspects: [metrics, tracing]
package aspect
