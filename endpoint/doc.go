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

// Package endpoint wires components into running routes.
//
// A ComponentRegistry maps address schemes to components and caches the endpoint
// of each normalized address, so every route naming "seda:orders" shares one queue
// and every route naming the same broker shares one client. Resolving never connects;
// backends are reached when a producer or consumer starts.
//
// A Route couples the consumer of its from address with an impl.Pipeline running the
// route's processors and the producer of its to address. A Pool keeps routes by id and
// loads them from YAML or JSON definitions:
//
//	routes:
//	  - id: orders
//	    from: http:0.0.0.0:9090/orders?method=POST
//	    processors:
//	      - type: setHeader
//	        configuration: {name: source, value: web}
//	    to: kafka:orders?brokers=${global.brokers}
//
// Built-in components:
//
//   - direct, seda, queue: in-process hand-off, bounded async queue and poll queue
//   - timer, log, mock: scheduling, logging and test expectations
//   - http, https, websocket, websockets, grpc, tcp, udp: servers and clients
//   - mqtt, nats, kafka, rabbitmq, sqs, watermill: messaging
//   - sql, redis, ssh: data stores and remote commands
package endpoint
