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

package inspect

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weavego/weavego/api/types"
	"github.com/weavego/weavego/engine"
	"github.com/weavego/weavego/test/assert"
)

type ledgerService struct {
	Entries []string
}

func (s *ledgerService) Record(entry string) int {
	s.Entries = append(s.Entries, entry)
	return len(s.Entries)
}

func newInspectRegistry(t *testing.T) *engine.Registry {
	config := types.NewConfig()
	registry := engine.NewRegistry(config)
	err := registry.RegisterBeanDefinition(&types.BeanDefinition{
		Name: "ledgerService",
		Type: reflect.TypeOf((*ledgerService)(nil)),
	})
	assert.Nil(t, err)
	err = registry.RegisterBeanDefinition(&types.BeanDefinition{
		Name:  "scratch",
		Type:  reflect.TypeOf((*ledgerService)(nil)),
		Scope: types.ScopePrototype,
	})
	assert.Nil(t, err)
	return registry
}

func TestInspectListBeans(t *testing.T) {
	registry := newInspectRegistry(t)
	endpoint := New(Config{}, registry, nil)
	server := httptest.NewServer(endpoint.Router())
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/beans")
	assert.Nil(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var summaries []BeanSummary
	err = json.NewDecoder(resp.Body).Decode(&summaries)
	assert.Nil(t, err)
	assert.Equal(t, 2, len(summaries))
	assert.Equal(t, "ledgerService", summaries[0].Name)
	assert.Equal(t, types.ScopeSingleton, summaries[0].Scope)
	assert.Equal(t, types.ScopePrototype, summaries[1].Scope)
}

func TestInspectBeanDetail(t *testing.T) {
	registry := newInspectRegistry(t)
	endpoint := New(Config{}, registry, nil)
	server := httptest.NewServer(endpoint.Router())
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/beans/ledgerService")
	assert.Nil(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var detail BeanDetail
	err = json.NewDecoder(resp.Body).Decode(&detail)
	assert.Nil(t, err)
	assert.Equal(t, "ledgerService", detail.Name)
	assert.False(t, detail.Advised)
	assert.True(t, strings.Contains(detail.Type, "ledgerService"))
}

func TestInspectBeanDetailNotFound(t *testing.T) {
	registry := newInspectRegistry(t)
	endpoint := New(Config{}, registry, nil)
	server := httptest.NewServer(endpoint.Router())
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/beans/missing")
	assert.Nil(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInspectDebugStream(t *testing.T) {
	registry := newInspectRegistry(t)
	endpoint := New(Config{}, registry, nil)
	server := httptest.NewServer(endpoint.Router())
	defer server.Close()
	defer endpoint.Destroy()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/debug"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Nil(t, err)
	defer func() { _ = conn.Close() }()

	// The subscriber registers asynchronously with the upgrade.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		endpoint.OnDebug("ledgerService", "Out", "Record", []interface{}{"a"}, 1, errors.New("boom"))
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			continue
		}
		var event DebugEvent
		assert.Nil(t, json.Unmarshal(payload, &event))
		assert.Equal(t, "ledgerService", event.BeanName)
		assert.Equal(t, "Record", event.Method)
		assert.Equal(t, "boom", event.Error)
		return
	}
	t.Fatal("no debug event received")
}
