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

// Package inspect exposes the container state over HTTP and streams advised
// method invocations over websocket, for debugging a running application.
package inspect

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/weavego/weavego/api/types"
)

// Type 组件类型
const Type = "inspect"

// Container 端点暴露的容器只读视图。
// Container is the read-only container surface the endpoint exposes.
type Container interface {
	types.BeanFactory
	types.BeanDefinitionRegistry
}

// Config 端点配置
type Config struct {
	// Addr 监听地址，例如 ":9090"
	Addr string
}

// BeanSummary is one row of the bean listing.
type BeanSummary struct {
	Name    string `json:"name"`
	Scope   string `json:"scope"`
	Aspect  bool   `json:"aspect"`
	Advised bool   `json:"advised"`
}

// BeanDetail describes one bean, including its proxy configuration when the
// container hands out an advised object for it.
type BeanDetail struct {
	BeanSummary
	Type          string          `json:"type,omitempty"`
	Configuration interface{}     `json:"configuration,omitempty"`
	Proxy         *ProxyDetail    `json:"proxy,omitempty"`
	Advisors      []AdvisorDetail `json:"advisors,omitempty"`
}

// ProxyDetail mirrors the Advised configuration flags.
type ProxyDetail struct {
	Frozen          bool `json:"frozen"`
	ExposeProxy     bool `json:"exposeProxy"`
	ProxyTargetType bool `json:"proxyTargetType"`
	PreFiltered     bool `json:"preFiltered"`
}

// AdvisorDetail describes one advisor of a proxy.
type AdvisorDetail struct {
	Advice      string `json:"advice"`
	Order       int    `json:"order,omitempty"`
	PerInstance bool   `json:"perInstance"`
}

// DebugEvent is one advised invocation observation, streamed to websocket
// subscribers.
type DebugEvent struct {
	Ts       int64       `json:"ts"`
	BeanName string      `json:"beanName"`
	FlowType string      `json:"flowType"`
	Method   string      `json:"method"`
	Result   interface{} `json:"result,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Inspect 容器状态检查端点。
// Inspect serves the container inspection API:
//
//	GET /api/v1/beans        bean listing
//	GET /api/v1/beans/:name  bean detail with proxy configuration
//	GET /ws/debug            websocket stream of debug events
type Inspect struct {
	Config    Config
	Upgrader  websocket.Upgrader
	container Container
	logger    types.Logger

	router *httprouter.Router
	server *http.Server

	mu          sync.Mutex
	subscribers map[*websocket.Conn]struct{}
}

// New creates an inspection endpoint over the given container.
func New(config Config, container Container, logger types.Logger) *Inspect {
	if logger == nil {
		logger = types.DefaultLogger()
	}
	i := &Inspect{
		Config:      config,
		container:   container,
		logger:      logger,
		subscribers: make(map[*websocket.Conn]struct{}),
	}
	i.router = httprouter.New()
	i.router.GET("/api/v1/beans", i.listBeans)
	i.router.GET("/api/v1/beans/:name", i.beanDetail)
	i.router.GET("/ws/debug", i.debugStream)
	return i
}

// Router exposes the handler, for embedding into an existing server.
func (i *Inspect) Router() http.Handler {
	return i.router
}

// Start serves the endpoint on Config.Addr until Destroy. Non-blocking.
func (i *Inspect) Start() error {
	if i.Config.Addr == "" {
		return types.NewConfigurationError("inspect endpoint requires an addr")
	}
	i.server = &http.Server{Addr: i.Config.Addr, Handler: i.router}
	go func() {
		if err := i.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			i.logger.Printf("inspect endpoint serve error: %v", err)
		}
	}()
	return nil
}

// Destroy implements types.Destroyable: closes the server and all websocket
// subscribers.
func (i *Inspect) Destroy() {
	i.mu.Lock()
	for conn := range i.subscribers {
		_ = conn.Close()
	}
	i.subscribers = make(map[*websocket.Conn]struct{})
	i.mu.Unlock()
	if i.server != nil {
		_ = i.server.Close()
	}
}

func (i *Inspect) listBeans(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	names := i.container.BeanDefinitionNames()
	summaries := make([]BeanSummary, 0, len(names))
	for _, name := range names {
		def, ok := i.container.GetBeanDefinition(name)
		if !ok {
			continue
		}
		summaries = append(summaries, BeanSummary{
			Name:    name,
			Scope:   def.Scope,
			Aspect:  def.Aspect,
			Advised: i.isAdvised(name),
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (i *Inspect) beanDetail(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	def, ok := i.container.GetBeanDefinition(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("no bean named %q", name)})
		return
	}
	detail := BeanDetail{
		BeanSummary: BeanSummary{Name: name, Scope: def.Scope, Aspect: def.Aspect},
	}
	if def.Type != nil {
		detail.Type = def.Type.String()
	}
	if len(def.Configuration) > 0 {
		detail.Configuration = def.Configuration
	}
	if def.Scope == types.ScopeSingleton {
		if bean, err := i.container.GetBean(name); err == nil {
			if advised, ok := bean.(types.Advised); ok {
				detail.Advised = true
				detail.Proxy = &ProxyDetail{
					Frozen:          advised.IsFrozen(),
					ExposeProxy:     advised.IsExposeProxy(),
					ProxyTargetType: advised.IsProxyTargetType(),
					PreFiltered:     advised.IsPreFiltered(),
				}
				for _, advisor := range advised.Advisors() {
					entry := AdvisorDetail{
						Advice:      fmt.Sprintf("%T", advisor.Advice()),
						PerInstance: advisor.IsPerInstance(),
					}
					if ordered, ok := advisor.(types.Ordered); ok {
						entry.Order = ordered.Order()
					}
					detail.Advisors = append(detail.Advisors, entry)
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

// debugStream upgrades to websocket and registers the connection as a debug
// event subscriber. The connection stays open until the client goes away or
// the endpoint is destroyed.
func (i *Inspect) debugStream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := i.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		i.logger.Printf("inspect websocket upgrade error: %v", err)
		return
	}
	i.mu.Lock()
	i.subscribers[conn] = struct{}{}
	i.mu.Unlock()

	go func() {
		// Reads only serve to detect the peer closing.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				i.unsubscribe(conn)
				return
			}
		}
	}()
}

func (i *Inspect) unsubscribe(conn *websocket.Conn) {
	i.mu.Lock()
	if _, ok := i.subscribers[conn]; ok {
		delete(i.subscribers, conn)
		_ = conn.Close()
	}
	i.mu.Unlock()
}

// OnDebug broadcasts one invocation observation to all subscribers. Plug it
// into the container configuration:
//
//	config := types.NewConfig(types.WithOnDebug(endpoint.OnDebug))
func (i *Inspect) OnDebug(beanName string, flowType string, method string, args []interface{}, result interface{}, err error) {
	event := DebugEvent{
		Ts:       time.Now().UnixMilli(),
		BeanName: beanName,
		FlowType: flowType,
		Method:   method,
		Result:   result,
	}
	if err != nil {
		event.Error = err.Error()
	}
	payload, marshalErr := json.Marshal(event)
	if marshalErr != nil {
		i.logger.Printf("inspect debug event marshal error: %v", marshalErr)
		return
	}
	i.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(i.subscribers))
	for conn := range i.subscribers {
		conns = append(conns, conn)
	}
	i.mu.Unlock()
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			i.unsubscribe(conn)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (i *Inspect) isAdvised(name string) bool {
	if !i.container.IsSingleton(name) {
		return false
	}
	bean, err := i.container.GetBean(name)
	if err != nil {
		return false
	}
	_, advised := bean.(types.Advised)
	return advised
}
