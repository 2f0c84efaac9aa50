package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/shadow-agent/internal/container"
	"github.com/nerrad567/shadow-agent/internal/propsync"
	"github.com/nerrad567/shadow-agent/internal/schema"
)

// PropertyInfo describes one declared property.
type PropertyInfo struct {
	Name     string           `json:"name"`
	Type     schema.ValueType `json:"type"`
	Writable bool             `json:"writable"`
}

// CommandInfo describes one declared command.
type CommandInfo struct {
	Name   string                      `json:"name"`
	Params map[string]schema.ValueType `json:"params,omitempty"`
}

// ServiceSummary is one entry of GET /api/v1/services.
type ServiceSummary struct {
	Name       string         `json:"name"`
	Properties []PropertyInfo `json:"properties"`
	Commands   []CommandInfo  `json:"commands"`
}

// PropertyView is the current value of a property with its sync state.
type PropertyView struct {
	Value    any                      `json:"value"`
	Type     schema.ValueType         `json:"type"`
	Writable bool                     `json:"writable"`
	Sync     *propsync.PropertyStatus `json:"sync,omitempty"`
}

// ServiceDetail is the body of GET /api/v1/services/{name}.
type ServiceDetail struct {
	Name       string                  `json:"name"`
	Time       time.Time               `json:"time"`
	Properties map[string]PropertyView `json:"properties"`
}

func (s *Server) handleListServices(w http.ResponseWriter, _ *http.Request) {
	names := s.agent.Services()
	sort.Strings(names)

	out := make([]ServiceSummary, 0, len(names))
	for _, name := range names {
		svc, err := s.agent.GetService(name)
		if err != nil {
			continue
		}
		out = append(out, summarize(name, svc.Schema()))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"services": out,
		"count":    len(out),
	})
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	svc, err := s.agent.GetService(name)
	if err != nil {
		s.writeLookupError(w, err, "service not found")
		return
	}

	snap, err := s.snapshot(r, name)
	if err != nil {
		s.writeLookupError(w, err, "service not found")
		return
	}

	detail := ServiceDetail{
		Name:       name,
		Time:       snap.Time,
		Properties: make(map[string]PropertyView, len(snap.Properties)),
	}
	for _, p := range svc.Schema().Properties() {
		value, ok := snap.Properties[p.Name]
		if !ok {
			// Getter failed; the snapshot omits it.
			continue
		}
		detail.Properties[p.Name] = s.view(name, p, value)
	}

	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleGetProperty(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	property := chi.URLParam(r, "property")

	svc, err := s.agent.GetService(name)
	if err != nil {
		s.writeLookupError(w, err, "service not found")
		return
	}
	spec, ok := svc.Schema().Property(property)
	if !ok {
		writeNotFound(w, "property not found")
		return
	}

	snap, err := s.snapshot(r, name)
	if err != nil {
		s.writeLookupError(w, err, "service not found")
		return
	}
	value, ok := snap.Properties[property]
	if !ok {
		writeInternalError(w, "property could not be read")
		return
	}

	writeJSON(w, http.StatusOK, s.view(name, spec, value))
}

func (s *Server) view(service string, p schema.PropertySpec, value any) PropertyView {
	v := PropertyView{Value: value, Type: p.Type, Writable: p.Writable}
	if st, ok := s.agent.PropertyStatus(service, p.Name); ok {
		v.Sync = &st
	}
	return v
}

func (s *Server) snapshot(r *http.Request, name string) (container.Snapshot, error) {
	ctx, cancel := context.WithTimeout(r.Context(), snapshotWait)
	defer cancel()
	return s.agent.Snapshot(ctx, name)
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, container.ErrServiceNotFound) {
		writeNotFound(w, notFound)
		return
	}
	if errors.Is(err, container.ErrServiceBusy) {
		writeBusy(w, "service busy")
		return
	}
	s.logger.Error("service lookup failed", "error", err)
	writeInternalError(w, "service lookup failed")
}

func summarize(name string, sch *schema.Schema) ServiceSummary {
	sum := ServiceSummary{
		Name:       name,
		Properties: []PropertyInfo{},
		Commands:   []CommandInfo{},
	}
	for _, p := range sch.Properties() {
		sum.Properties = append(sum.Properties, PropertyInfo{Name: p.Name, Type: p.Type, Writable: p.Writable})
	}
	for _, c := range sch.Commands() {
		sum.Commands = append(sum.Commands, CommandInfo{Name: c.Name, Params: c.Params})
	}
	return sum
}
