package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"examrelay/pkg/client"
	"examrelay/pkg/types"
)

func TestParseFlags(t *testing.T) {
	t.Setenv("EXAMRELAY_SERVER", "")
	t.Setenv("EXAMRELAY_TOKEN", "")

	tests := []struct {
		name    string
		args    []string
		wantErr bool
		check   func(t *testing.T, o *options)
	}{
		{
			name: "defaults",
			args: nil,
			check: func(t *testing.T, o *options) {
				if o.server != "http://localhost:8080" || o.maxAttempts != 8 || o.logLevel != "warn" {
					t.Errorf("unexpected defaults %+v", o)
				}
			},
		},
		{
			name: "groups with token",
			args: []string{"-t", "tok", "-g", "ClassX", "--group", "ClassY,ClassZ", "--exit-after", "2s"},
			check: func(t *testing.T, o *options) {
				if strings.Join(o.groups, ",") != "ClassX,ClassY,ClassZ" {
					t.Errorf("groups = %v", o.groups)
				}
				if o.exitAfter != 2*time.Second {
					t.Errorf("exitAfter = %v", o.exitAfter)
				}
			},
		},
		{name: "groups without token", args: []string{"-g", "ClassX"}, wantErr: true},
		{name: "invalid notify JSON", args: []string{"--notify", "{nope"}, wantErr: true},
		{name: "unknown flag", args: []string{"--bogus"}, wantErr: true},
		{
			name: "notify accepts any JSON value",
			args: []string{"-n", `"pencils down"`},
			check: func(t *testing.T, o *options) {
				if o.notify != `"pencils down"` {
					t.Errorf("notify = %q", o.notify)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := parseFlags(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseFlags error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, o)
			}
		})
	}
}

func TestParseFlags_EnvDefaults(t *testing.T) {
	t.Setenv("EXAMRELAY_SERVER", "https://relay.example")
	t.Setenv("EXAMRELAY_TOKEN", "from-env")

	o, err := parseFlags([]string{"-g", "ClassX"})
	if err != nil {
		t.Fatal(err)
	}
	if o.server != "https://relay.example" || o.token != "from-env" {
		t.Errorf("env defaults not applied: %+v", o)
	}
}

func TestPrinter_WritesOneJSONLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf}

	p.print("notification", "ReceiveNotification", json.RawMessage(`{"text":"hi"}`))
	p.print("exam", "ReceiveExam", map[string]string{"examId": "e1"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	var first struct {
		Channel string            `json:"channel"`
		Event   string            `json:"event"`
		Payload map[string]string `json:"payload"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.Channel != "notification" || first.Payload["text"] != "hi" {
		t.Errorf("unexpected line %+v", first)
	}
}

// recordingSource captures registered handlers, or refuses them like a started client
type recordingSource struct {
	refuse       error
	notification func(types.Announcement)
	exam         func(types.ExamAssignment)
	status       func(types.ExamStatusChange)
}

func (r *recordingSource) OnReceiveNotification(fn func(types.Announcement)) error {
	r.notification = fn
	return r.refuse
}

func (r *recordingSource) OnReceiveExam(fn func(types.ExamAssignment)) error {
	r.exam = fn
	return r.refuse
}

func (r *recordingSource) OnUpdateExamStatus(fn func(types.ExamStatusChange)) error {
	r.status = fn
	return r.refuse
}

func TestSubscribe_RoutesEventsToPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf}
	src := &recordingSource{}

	if err := subscribeNotifications(src, p); err != nil {
		t.Fatal(err)
	}
	if err := subscribeExams(src, p); err != nil {
		t.Fatal(err)
	}

	src.notification(types.Announcement(`"pencils down"`))
	src.exam(types.ExamAssignment{ExamID: "e1", ClassGroup: "ClassX"})
	src.status(types.ExamStatusChange{ExamID: "e1", ClassGroup: "ClassX"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	for i, want := range []string{types.EventReceiveNotification, types.EventReceiveExam, types.EventUpdateExamStatus} {
		var line struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal([]byte(lines[i]), &line); err != nil {
			t.Fatal(err)
		}
		if line.Event != want {
			t.Errorf("line %d event = %q, want %q", i, line.Event, want)
		}
	}
}

func TestSubscribe_RefusedHandlerFailsTheRun(t *testing.T) {
	p := &printer{out: &bytes.Buffer{}}
	src := &recordingSource{refuse: client.ErrHandlersFrozen}

	if err := subscribeNotifications(src, p); !errors.Is(err, client.ErrHandlersFrozen) {
		t.Errorf("notification subscribe error = %v, want ErrHandlersFrozen", err)
	}
	err := subscribeExams(src, p)
	if !errors.Is(err, client.ErrHandlersFrozen) {
		t.Errorf("exam subscribe error = %v, want ErrHandlersFrozen", err)
	}
	if err != nil && !strings.Contains(err.Error(), types.EventReceiveExam) {
		t.Errorf("error should name the event, got %v", err)
	}
}
