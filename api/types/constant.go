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

package types

// Template namespaces readable as ${namespace.key} in addresses and processor settings.
const (
	// Global holds the configured properties.
	Global = "global"
	// Header holds the In message headers.
	Header = "header"
	// Body holds the In message body, or its fields when the body is a JSON object.
	Body = "body"
)
