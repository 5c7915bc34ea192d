package filter

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubFilter struct {
	id          string
	executeFunc func(ctx context.Context, rc RunView) (StepResult, error)
}

func (s *stubFilter) ID() string      { return s.id }
func (s *stubFilter) Name() string    { return s.id }
func (s *stubFilter) Version() string { return "1.0.0" }

func (s *stubFilter) Execute(ctx context.Context, rc RunView) (StepResult, error) {
	if s.executeFunc != nil {
		return s.executeFunc(ctx, rc)
	}
	return Passed(s.id), nil
}

type hookFilter struct {
	stubFilter
	initErr      error
	destroyErr   error
	initCalls    int
	destroyCalls int
}

func (h *hookFilter) OnInit(ctx context.Context) error {
	h.initCalls++
	return h.initErr
}

func (h *hookFilter) OnDestroy(ctx context.Context) error {
	h.destroyCalls++
	return h.destroyErr
}

func boolp(v bool) *bool { return &v }

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&stubFilter{id: "schema-validation"}, RegisterOptions{Aliases: []string{"schema"}})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tests := []struct {
		name    string
		id      string
		opts    RegisterOptions
		wantErr string
	}{
		{"empty id", "", RegisterOptions{}, "empty id"},
		{"duplicate id", "schema-validation", RegisterOptions{}, "duplicate id"},
		{"id collides with alias", "schema", RegisterOptions{}, "collides with alias"},
		{"alias collides with id", "other", RegisterOptions{Aliases: []string{"schema-validation"}}, "collides with id"},
		{"alias collides with alias", "other", RegisterOptions{Aliases: []string{"schema"}}, "already used"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(&stubFilter{id: tt.id}, tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Register() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()
	f := &stubFilter{id: "format-detection"}
	if err := r.Register(f, RegisterOptions{Aliases: []string{"format", "detect"}}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, err := r.Get("format-detection")
	if err != nil || got != Filter(f) {
		t.Errorf("Get(id) = %v, %v", got, err)
	}
	got, err = r.Get("detect")
	if err != nil || got != Filter(f) {
		t.Errorf("Get(alias) = %v, %v", got, err)
	}

	_, err = r.Get("missing")
	var nfe *NotFoundError
	if !errors.As(err, &nfe) || nfe.ID != "missing" {
		t.Errorf("Get(missing) error = %v, want NotFoundError for missing", err)
	}
	if r.Has("missing") {
		t.Error("Has(missing) = true")
	}
	if !r.Has("format") {
		t.Error("Has(format) = false")
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	regs := []struct {
		id   string
		opts RegisterOptions
	}{
		{"late", RegisterOptions{Priority: 90}},
		{"first-tie", RegisterOptions{Priority: 10, Tags: []string{"structural"}}},
		{"second-tie", RegisterOptions{Priority: 10, Tags: []string{"structural", "xml"}}},
		{"disabled", RegisterOptions{Priority: 20, Enabled: boolp(false)}},
	}
	for _, reg := range regs {
		if err := r.Register(&stubFilter{id: reg.id}, reg.opts); err != nil {
			t.Fatalf("Register(%s) error = %v", reg.id, err)
		}
	}

	all := r.List(ListFilter{})
	wantOrder := []string{"first-tie", "second-tie", "disabled", "late"}
	if len(all) != len(wantOrder) {
		t.Fatalf("List() = %d entries, want %d", len(all), len(wantOrder))
	}
	for i, id := range wantOrder {
		if all[i].ID != id {
			t.Errorf("List()[%d] = %q, want %q", i, all[i].ID, id)
		}
	}

	enabled := r.List(ListFilter{Enabled: boolp(true)})
	for _, info := range enabled {
		if info.ID == "disabled" {
			t.Error("List(enabled) included disabled filter")
		}
	}

	tagged := r.List(ListFilter{Tags: []string{"structural", "xml"}})
	if len(tagged) != 1 || tagged[0].ID != "second-tie" {
		t.Errorf("List(tags) = %+v, want only second-tie", tagged)
	}
}

func TestRegistrySetEnabled(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubFilter{id: "risk-assessment"}, RegisterOptions{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.SetEnabled("risk-assessment", false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}
	list := r.List(ListFilter{Enabled: boolp(false)})
	if len(list) != 1 || list[0].ID != "risk-assessment" {
		t.Errorf("List(disabled) = %+v", list)
	}
	if err := r.SetEnabled("missing", true); err == nil {
		t.Error("SetEnabled(missing) = nil, want NotFoundError")
	}
}

func TestRegistryLifecycleAllSettled(t *testing.T) {
	r := NewRegistry()
	broken := &hookFilter{stubFilter: stubFilter{id: "a-broken"}, initErr: errors.New("boom")}
	healthy := &hookFilter{stubFilter: stubFilter{id: "b-healthy"}}
	plain := &stubFilter{id: "c-plain"}
	if err := r.Register(broken, RegisterOptions{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(healthy, RegisterOptions{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(plain, RegisterOptions{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err := r.InitializeAll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "init a-broken") {
		t.Errorf("InitializeAll() error = %v, want init a-broken failure", err)
	}
	if healthy.initCalls != 1 {
		t.Errorf("healthy init calls = %d, want 1 despite sibling failure", healthy.initCalls)
	}

	broken.destroyErr = errors.New("down boom")
	if err := r.DestroyAll(context.Background()); err == nil {
		t.Error("DestroyAll() = nil, want error")
	}
	if healthy.destroyCalls != 1 {
		t.Errorf("healthy destroy calls = %d, want 1", healthy.destroyCalls)
	}
}
