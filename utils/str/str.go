/*
 * Copyright 2024 The Weavego Authors.
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

// Package str provides small string helpers shared across the framework:
// ${...} variable detection for expression templates and a tolerant ToString.
package str

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// VarPrefix and VarSuffix delimit expression variables inside declarative strings.
const (
	VarPrefix = "${"
	VarSuffix = "}"
)

var tplVarRegex = regexp.MustCompile(`\$\{ *([^}]+) *\}`)

// CheckHasVar checks whether the string contains a ${...} variable.
func CheckHasVar(str string) bool {
	return tplVarRegex.MatchString(str)
}

// ParseVars returns the variable expressions contained in str, without delimiters.
func ParseVars(str string) []string {
	matches := tplVarRegex.FindAllStringSubmatch(str, -1)
	var result []string
	for _, match := range matches {
		if len(match) > 1 {
			result = append(result, match[1])
		}
	}
	return result
}

// ToString converts input to a string representation. Structures are rendered
// as JSON; nil becomes the empty string.
func ToString(input interface{}) string {
	if input == nil {
		return ""
	}
	switch v := input.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case error:
		return v.Error()
	case fmt.Stringer:
		return v.String()
	default:
		if b, err := json.Marshal(input); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", input)
	}
}

// Contains reports whether target is in list.
func Contains(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}
