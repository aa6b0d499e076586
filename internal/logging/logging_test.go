package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

func TestNew(t *testing.T) {
	specs := []struct {
		descr  string
		cfg    Config
		expOut bool
	}{
		{"disabled", Config{Enabled: false, Level: "info"}, false},
		{"unknown level", Config{Enabled: true, Level: "verbose"}, false},
		{"info", Config{Enabled: true, Level: "INFO"}, true},
		{"default level", Config{Enabled: true}, true},
		{"above level", Config{Enabled: true, Level: "error"}, false},
	}

	for specIndex, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			var buf bytes.Buffer
			New(spec.cfg, &buf).Info("loaded")

			if got := buf.Len() != 0; got != spec.expOut {
				t.Fatalf("[spec %d] expected output: %t; got %q", specIndex, spec.expOut, buf.String())
			}
		})
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Enabled: true, Level: "debug", JSON: true, Tag: "sysboot"}, &buf).Debug("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON output; got %q: %v", buf.String(), err)
	}

	for key, exp := range map[string]string{"exe": "sysboot", "msg": "hello", "level": "debug"} {
		if entry[key] != exp {
			t.Errorf("expected %s to be %q; got %v", key, exp, entry[key])
		}
	}
}

func TestLineWriter(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Enabled: true, Level: "debug", JSON: true}, &buf)

	w := NewLineWriter(log, logrus.DebugLevel)
	w.Write([]byte("[boot] first"))
	w.Write([]byte(" line\r\n\n[boot] second\n[boot] partial"))
	w.Flush()

	var got []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatal(err)
		}
		got = append(got, entry["msg"].(string))
	}

	exp := []string{"[boot] first line", "[boot] second", "[boot] partial"}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("unexpected log entries (-want +got):\n%s", diff)
	}
}
