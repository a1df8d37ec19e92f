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

// Package js runs JavaScript functions with goja. Each engine compiles its script
// once and reuses runtimes from a pool.
package js

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/builtin/funcs"
)

// GlobalKey exposes the global properties to scripts as global.xx.
const GlobalKey = "global"

// ErrExecutionTimeout is returned when a script exceeds its execution time.
var ErrExecutionTimeout = errors.New("script execution timeout")

// GojaJsEngine executes functions defined by a script.
type GojaJsEngine struct {
	vmPool           sync.Pool
	config           types.Config
	program          *goja.Program
	maxExecutionTime time.Duration
}

// NewGojaJsEngine compiles script. vars are set as globals in every runtime.
// maxExecutionTime bounds each call; zero disables the limit.
func NewGojaJsEngine(config types.Config, script string, vars map[string]interface{}, maxExecutionTime time.Duration) (*GojaJsEngine, error) {
	program, err := goja.Compile("", script, true)
	if err != nil {
		return nil, err
	}
	engine := &GojaJsEngine{
		config:           config,
		program:          program,
		maxExecutionTime: maxExecutionTime,
	}
	// fail early on runtime errors in the script body
	if _, err := engine.newVm(vars); err != nil {
		return nil, err
	}
	engine.vmPool = sync.Pool{
		New: func() interface{} {
			vm, err := engine.newVm(vars)
			if err != nil {
				config.Printf("js vm error: %s", err.Error())
			}
			return vm
		},
	}
	return engine, nil
}

func (g *GojaJsEngine) newVm(vars map[string]interface{}) (*goja.Runtime, error) {
	vm := goja.New()
	for k, v := range funcs.ScriptFunc.GetAll() {
		if err := vm.Set(k, v); err != nil {
			return nil, err
		}
	}
	for k, v := range vars {
		if err := vm.Set(k, v); err != nil {
			return nil, err
		}
	}
	global := make(map[string]interface{}, len(g.config.Properties))
	for k, v := range g.config.Properties {
		global[k] = v
	}
	if err := vm.Set(GlobalKey, global); err != nil {
		return nil, err
	}
	timer := g.startTimeout(vm)
	_, err := vm.RunProgram(g.program)
	g.stopTimeout(timer)
	return vm, err
}

// Execute calls functionName with args. ctx cancellation interrupts the script.
func (g *GojaJsEngine) Execute(ctx context.Context, functionName string, args ...interface{}) (out interface{}, err error) {
	defer func() {
		if caught := recover(); caught != nil {
			err = fmt.Errorf("%v", caught)
		}
	}()
	vm := g.vmPool.Get().(*goja.Runtime)
	defer func() {
		vm.ClearInterrupt()
		g.vmPool.Put(vm)
	}()

	timer := g.startTimeout(vm)
	defer g.stopTimeout(timer)
	if ctx != nil && ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			vm.Interrupt(ctx.Err())
		})
		defer stop()
	}

	f, ok := goja.AssertFunction(vm.Get(functionName))
	if !ok {
		return nil, errors.New(functionName + " is not a function")
	}
	params := make([]goja.Value, len(args))
	for i, v := range args {
		params[i] = vm.ToValue(v)
	}
	res, err := f(goja.Undefined(), params...)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if cause, ok := interrupted.Value().(error); ok {
				return nil, cause
			}
			return nil, ErrExecutionTimeout
		}
		return nil, err
	}
	return res.Export(), nil
}

func (g *GojaJsEngine) startTimeout(vm *goja.Runtime) *time.Timer {
	if g.maxExecutionTime <= 0 {
		return nil
	}
	return time.AfterFunc(g.maxExecutionTime, func() {
		vm.Interrupt(ErrExecutionTimeout)
	})
}

func (g *GojaJsEngine) stopTimeout(timer *time.Timer) {
	if timer != nil {
		timer.Stop()
	}
}
