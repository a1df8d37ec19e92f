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

package aspect

import (
	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
)

var _ endpoint.Aspect = (*Debug)(nil)

// Debug logs every exchange when it enters and leaves a route.
type Debug struct {
	// Logger defaults to types.DefaultLogger.
	Logger types.Logger
}

func (aspect *Debug) Before(router endpoint.Router, exchange *types.Exchange) bool {
	aspect.logger().Printf("route=%s in id=%s from=%s headers=%v body=%s", router.GetId(), exchange.Id(),
		exchange.FromEndpoint(), exchange.In().Headers().Values(), exchange.In().BodyString())
	return true
}

func (aspect *Debug) After(router endpoint.Router, exchange *types.Exchange) {
	if exchange.Failed() {
		aspect.logger().Printf("route=%s out id=%s err=%v", router.GetId(), exchange.Id(), exchange.Err())
		return
	}
	aspect.logger().Printf("route=%s out id=%s body=%s", router.GetId(), exchange.Id(), exchange.Result().BodyString())
}

func (aspect *Debug) logger() types.Logger {
	if aspect.Logger == nil {
		return types.DefaultLogger()
	}
	return aspect.Logger
}
