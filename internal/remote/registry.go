// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

package remote

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/1mansurr/elaro-sync/internal/queue"
)

// Call is a fully prepared remote invocation.
type Call struct {
	Procedure      string
	Body           json.RawMessage
	IdempotencyKey string
}

// Transform reshapes a queued action payload into the body the
// procedure expects.
type Transform func(payload json.RawMessage) (json.RawMessage, error)

// Route binds a procedure name to its body transform.
type Route struct {
	Procedure string
	Transform Transform
}

// Registry dispatches (entity type, action kind) pairs onto remote
// procedures.
type Registry struct {
	routes map[string]Route
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{routes: make(map[string]Route)}
}

func routeKey(entityType string, kind queue.Kind) string {
	return entityType + "/" + string(kind)
}

// Register adds or replaces the route for a pair.
func (r *Registry) Register(entityType string, kind queue.Kind, route Route) {
	r.routes[routeKey(entityType, kind)] = route
}

// Resolve looks up the route for a pair. An unregistered pair is a
// validation failure: the action can never succeed, so it must not be
// retried.
func (r *Registry) Resolve(entityType string, kind queue.Kind) (Route, error) {
	route, ok := r.routes[routeKey(entityType, kind)]
	if !ok {
		return Route{}, &Error{
			Kind: KindValidation,
			Err:  fmt.Errorf("no route for %s %s", kind, entityType),
		}
	}
	return route, nil
}

// Build resolves an action's route and applies its transform, returning
// the prepared call. The idempotency key is the action ID so replays of
// the same action dedup server-side.
func (r *Registry) Build(a queue.Action) (Call, error) {
	route, err := r.Resolve(a.EntityType, a.Kind)
	if err != nil {
		return Call{}, err
	}
	body, err := route.Transform(a.Payload)
	if err != nil {
		return Call{}, &Error{
			Kind:      KindValidation,
			Procedure: route.Procedure,
			Err:       err,
		}
	}
	return Call{
		Procedure:      route.Procedure,
		Body:           body,
		IdempotencyKey: a.ID,
	}, nil
}

// identity passes the payload through unchanged. Create and restore
// procedures take the full entity document.
func identity(payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return payload, nil
}

// idOnly extracts the entity id into the given field name. Delete and
// complete procedures need nothing else.
func idOnly(idField string) Transform {
	return func(payload json.RawMessage) (json.RawMessage, error) {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, fmt.Errorf("decoding payload: %w", err)
		}
		id, ok := doc["id"]
		if !ok {
			return nil, fmt.Errorf("payload has no id field")
		}
		return json.Marshal(map[string]json.RawMessage{idField: id})
	}
}

// idAndUpdates splits the payload into the entity id and an updates
// document holding every other field.
func idAndUpdates(idField string) Transform {
	return func(payload json.RawMessage) (json.RawMessage, error) {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, fmt.Errorf("decoding payload: %w", err)
		}
		id, ok := doc["id"]
		if !ok {
			return nil, fmt.Errorf("payload has no id field")
		}
		updates := make(map[string]json.RawMessage, len(doc)-1)
		for k, v := range doc {
			if k == "id" {
				continue
			}
			updates[k] = v
		}
		body := map[string]any{
			idField:   id,
			"updates": updates,
		}
		return json.Marshal(body)
	}
}

// DefaultRegistry covers every entity the client queues mutations for.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	entities := []struct {
		entityType string
		slug       string
		idField    string
	}{
		{"assignment", "assignment", "assignmentId"},
		{"lecture", "lecture", "lectureId"},
		{"study_session", "study-session", "sessionId"},
		{"course", "course", "courseId"},
	}
	for _, e := range entities {
		r.Register(e.entityType, queue.KindCreate, Route{
			Procedure: "create-" + e.slug,
			Transform: identity,
		})
		r.Register(e.entityType, queue.KindUpdate, Route{
			Procedure: "update-" + e.slug,
			Transform: idAndUpdates(e.idField),
		})
		r.Register(e.entityType, queue.KindDelete, Route{
			Procedure: "delete-" + e.slug,
			Transform: idOnly(e.idField),
		})
		r.Register(e.entityType, queue.KindComplete, Route{
			Procedure: "complete-" + e.slug,
			Transform: idOnly(e.idField),
		})
		r.Register(e.entityType, queue.KindRestore, Route{
			Procedure: "restore-" + e.slug,
			Transform: identity,
		})
	}
	return r
}
