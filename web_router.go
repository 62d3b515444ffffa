// Copyright (c) 2023-2026 Lin Haoyu <verto@vertohttp.org>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Default router: exact segments plus {var} path variables.

package verto

import (
	"strings"
)

// SimpleRouter maps (method, path) to endpoints. Path patterns are
// segment-wise: a literal segment must match exactly, a "{name}"
// segment binds the request segment to a path variable. Routes are
// matched in registration order within a method.
type SimpleRouter struct {
	routes map[string][]route // method -> routes
}

type route struct {
	segments []string
	endpoint Endpoint
}

func NewSimpleRouter() *SimpleRouter {
	return &SimpleRouter{routes: make(map[string][]route)}
}

// AddRoute registers an endpoint under a method and path pattern.
func (r *SimpleRouter) AddRoute(method string, pattern string, endpoint Endpoint) {
	method = strings.ToUpper(method)
	r.routes[method] = append(r.routes[method], route{
		segments: splitPath(pattern),
		endpoint: endpoint,
	})
}

// EndpointFunc adapts a function to the Endpoint capability.
type EndpointFunc func(req *Request) (*Response, error)

func (f EndpointFunc) Handle(req *Request) (*Response, error) { return f(req) }

// AddRouteFunc is AddRoute for plain functions.
func (r *SimpleRouter) AddRouteFunc(method string, pattern string, f EndpointFunc) {
	r.AddRoute(method, pattern, f)
}

func (r *SimpleRouter) Match(method string, path string) RouteMatch {
	if i := strings.IndexByte(path, '?'); i >= 0 { // query is not routed on
		path = path[:i]
	}
	segments := splitPath(path)
	for _, rt := range r.routes[strings.ToUpper(method)] {
		if params, ok := matchSegments(rt.segments, segments); ok {
			return RouteMatch{Params: params, Endpoint: rt.endpoint}
		}
	}
	return RouteMatch{}
}

func matchSegments(pattern []string, segments []string) (map[string]string, bool) {
	if len(pattern) != len(segments) {
		return nil, false
	}
	var params map[string]string
	for i, ps := range pattern {
		if len(ps) >= 2 && ps[0] == '{' && ps[len(ps)-1] == '}' {
			if params == nil {
				params = make(map[string]string)
			}
			params[ps[1:len(ps)-1]] = segments[i]
			continue
		}
		if ps != segments[i] {
			return nil, false
		}
	}
	return params, true
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
