// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package mesh

import (
	"fmt"
)

// Nexus identifies a disconnected command.
type Nexus struct {
	Target uint8
	LUN    uint8
	Tag    uint8
	Tagged bool
}

func (n Nexus) String() string {
	if n.Tagged {
		return fmt.Sprintf("%d:%d:%d", n.Target, n.LUN, n.Tag)
	}
	return fmt.Sprintf("%d:%d", n.Target, n.LUN)
}

// NexusRegistry tracks disconnected commands on behalf of the controller.
type NexusRegistry interface {
	Park(req *Request)
	Unpark(req *Request)
	// Match returns every parked request with the given nexus.
	Match(n Nexus) []*Request
	// Drain removes and returns all parked requests.
	Drain() []*Request
}

// Registry is a slice-backed NexusRegistry.
type Registry struct {
	parked []*Request
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Park(req *Request) {
	r.parked = append(r.parked, req)
}

func (r *Registry) Unpark(req *Request) {
	for i, p := range r.parked {
		if p == req {
			r.parked = append(r.parked[:i], r.parked[i+1:]...)
			return
		}
	}
}

func (r *Registry) Match(n Nexus) []*Request {
	var m []*Request

	for _, p := range r.parked {
		if p.Nexus() == n {
			m = append(m, p)
		}
	}

	return m
}

func (r *Registry) Drain() []*Request {
	p := r.parked
	r.parked = nil
	return p
}

// Len returns the number of parked requests.
func (r *Registry) Len() int {
	return len(r.parked)
}
