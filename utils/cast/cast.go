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

// Package cast converts loosely typed header and parameter values.
package cast

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rulego/relay/utils/json"
)

// ToInt converts value to int, returning 0 on failure.
func ToInt(value interface{}) int {
	v, _ := ToInt64E(value)
	return int(v)
}

// ToInt64 converts value to int64, returning 0 on failure.
func ToInt64(value interface{}) int64 {
	v, _ := ToInt64E(value)
	return v
}

// ToInt64E converts any integer, float or numeric string to int64.
func ToInt64E(value interface{}) (int64, error) {
	switch v := value.(type) {
	case nil:
		return 0, fmt.Errorf("unable to cast nil to int64")
	case int64:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, err
		}
		return int64(f), nil
	case []byte:
		return ToInt64E(string(v))
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return int64(rv.Float()), nil
	}
	return 0, fmt.Errorf("unable to cast %v of type %T to int64", value, value)
}

// ToFloat64 converts value to float64, returning 0 on failure.
func ToFloat64(value interface{}) float64 {
	v, _ := ToFloat64E(value)
	return v
}

// ToFloat64E converts any number or numeric string to float64.
func ToFloat64E(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		i, err := ToInt64E(value)
		return float64(i), err
	}
	return 0, fmt.Errorf("unable to cast %v of type %T to float64", value, value)
}

// ToBool converts value to bool, returning false on failure.
func ToBool(value interface{}) bool {
	v, _ := ToBoolE(value)
	return v
}

// ToBoolE accepts bools, numbers (non-zero is true) and strconv.ParseBool strings.
func ToBoolE(value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(v))
	}
	if f, err := ToFloat64E(value); err == nil {
		return f != 0, nil
	}
	return false, fmt.Errorf("unable to cast %v of type %T to bool", value, value)
}

// ToDurationE converts value to a duration. Bare numbers are milliseconds,
// strings with a unit use time.ParseDuration.
func ToDurationE(value interface{}) (time.Duration, error) {
	switch v := value.(type) {
	case time.Duration:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond, nil
		}
		return time.ParseDuration(s)
	}
	ms, err := ToInt64E(value)
	if err != nil {
		return 0, fmt.Errorf("unable to cast %v of type %T to duration", value, value)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// ToString converts value to string, returning "" on failure.
func ToString(value interface{}) string {
	v, _ := ToStringE(value)
	return v
}

// ToStringE formats scalars directly and JSON-encodes everything else.
func ToStringE(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
	case time.Time:
		return v.Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return v.String(), nil
	case error:
		return v.Error(), nil
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ToTime accepts time.Time, RFC3339 strings and unix milliseconds.
func ToTime(value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t, nil
		}
	}
	ms, err := ToInt64E(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("unable to cast %v of type %T to time", value, value)
	}
	return time.UnixMilli(ms), nil
}
