// Copyright 2026 The Nbtunnel Authors
// SPDX-License-Identifier: Apache-2.0

package remote_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nbtunnel/nbtunnel/lib/clock"
	"github.com/nbtunnel/nbtunnel/lib/pbs"
	"github.com/nbtunnel/nbtunnel/lib/remote"
)

// fakeHost emulates the login host's filesystem and the handful of
// shell commands the controller issues.
type fakeHost struct {
	files    map[string]string
	groups   string          // "id -nG" output
	mounts   map[string]bool // directories that exist for the storage probe
	commands []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		files:  make(map[string]string),
		groups: "hh5 w35 oi10",
		mounts: map[string]bool{"/scratch/w35": true, "/g/data/oi10": true},
	}
}

func (h *fakeHost) Run(_ context.Context, command string) (string, error) {
	h.commands = append(h.commands, command)
	switch {
	case command == "id -nG":
		return h.groups + "\n", nil
	case strings.HasPrefix(command, "mkdir -p "):
		return "", nil
	case strings.HasPrefix(command, "cat "):
		path := strings.TrimPrefix(command, "cat ")
		content, ok := h.files[path]
		if !ok {
			return "", errors.New("cat: " + path + ": No such file or directory")
		}
		return content, nil
	case strings.HasPrefix(command, "rm -f "):
		delete(h.files, strings.TrimPrefix(command, "rm -f "))
		return "", nil
	case strings.HasPrefix(command, "for g in "):
		return h.probe(command), nil
	}
	return "", errors.New("unexpected command: " + command)
}

// probe emulates the storage-detection loop against the fake mounts.
func (h *fakeHost) probe(command string) string {
	list := strings.TrimPrefix(command, "for g in ")
	list = list[:strings.Index(list, ";")]
	var out strings.Builder
	for _, group := range strings.Fields(list) {
		if h.mounts["/scratch/"+group] {
			out.WriteString("scratch/" + group + "\n")
		}
		if h.mounts["/g/data/"+group] {
			out.WriteString("gdata/" + group + "\n")
		}
	}
	return out.String()
}

func (h *fakeHost) WriteFile(_ context.Context, path string, data []byte) error {
	h.files[path] = string(data)
	return nil
}

// fakeScheduler records submissions and serves a fixed state. Submit
// can run a hook, which tests use to publish the message file the way
// a real job would.
type fakeScheduler struct {
	state       pbs.State
	jobID       string
	submissions int
	submitted   []pbs.JobRequest
	cancelled   []string
	onSubmit    func()
}

func (s *fakeScheduler) Submit(_ context.Context, request pbs.JobRequest, _, _ string) (string, error) {
	s.submissions++
	s.submitted = append(s.submitted, request)
	if s.onSubmit != nil {
		s.onSubmit()
	}
	return s.jobID, nil
}

func (s *fakeScheduler) State(_ context.Context, _ string) (pbs.State, error) {
	return s.state, nil
}

func (s *fakeScheduler) Cancel(_ context.Context, jobID string) error {
	s.cancelled = append(s.cancelled, jobID)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testController(host *fakeHost, scheduler *fakeScheduler) *remote.Controller {
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return remote.NewController(host, scheduler, clk, quietLogger(), "w35", "abc123")
}

func testRequest() pbs.JobRequest {
	return pbs.JobRequest{
		Queue:       "normal",
		CPUs:        4,
		Memory:      "16GB",
		Walltime:    "4:00:00",
		JobFS:       "10GB",
		Project:     "w35",
		Environment: "analysis3",
	}
}

const publishedLine = "gadi-cpu-clx-0427 4f1d22e8 87654321.gadi-pbs 42817\n"

func TestEnsureRunningFreshSubmission(t *testing.T) {
	host := newFakeHost()
	scheduler := &fakeScheduler{jobID: "87654321.gadi-pbs"}
	controller := testController(host, scheduler)
	scheduler.onSubmit = func() {
		host.files[controller.WorkDir()+"/message"] = publishedLine
	}

	message, err := controller.EnsureRunning(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}

	if scheduler.submissions != 1 {
		t.Errorf("submissions = %d, want exactly 1", scheduler.submissions)
	}
	if message.Tag != remote.TagNew {
		t.Errorf("tag = %q, want NEW", message.Tag)
	}
	if message.Host != "gadi-cpu-clx-0427" || message.Port != 42817 {
		t.Errorf("message = %+v", message)
	}
	if got := strings.TrimSpace(host.files[controller.WorkDir()+"/jobid"]); got != "87654321.gadi-pbs" {
		t.Errorf("persisted job ID = %q", got)
	}
	if script := host.files[controller.WorkDir()+"/runjp.sh"]; !strings.Contains(script, "conda/analysis3") {
		t.Errorf("job script not written or missing environment: %q", script)
	}
}

func TestEnsureRunningReattaches(t *testing.T) {
	for _, state := range []pbs.State{pbs.StateQueued, pbs.StateRunning} {
		t.Run(state.String(), func(t *testing.T) {
			host := newFakeHost()
			scheduler := &fakeScheduler{state: state}
			controller := testController(host, scheduler)
			host.files[controller.WorkDir()+"/jobid"] = "87654321.gadi-pbs\n"
			host.files[controller.WorkDir()+"/message"] = publishedLine

			message, err := controller.EnsureRunning(context.Background(), testRequest(), nil)
			if err != nil {
				t.Fatalf("EnsureRunning: %v", err)
			}

			if scheduler.submissions != 0 {
				t.Errorf("submissions = %d, want 0 on reattach", scheduler.submissions)
			}
			if message.Tag != remote.TagReconnect {
				t.Errorf("tag = %q, want RECONNECT", message.Tag)
			}
			if message.JobID != "87654321.gadi-pbs" {
				t.Errorf("JobID = %q, want previously published ID", message.JobID)
			}
		})
	}
}

func TestEnsureRunningResubmitsWhenRecordedJobIsGone(t *testing.T) {
	host := newFakeHost()
	scheduler := &fakeScheduler{state: pbs.StateGone, jobID: "99999999.gadi-pbs"}
	controller := testController(host, scheduler)
	host.files[controller.WorkDir()+"/jobid"] = "87654321.gadi-pbs\n"
	// Stale message from the dead job must be discarded, not returned.
	host.files[controller.WorkDir()+"/message"] = publishedLine
	scheduler.onSubmit = func() {
		host.files[controller.WorkDir()+"/message"] = "gadi-cpu-clx-0991 beef77 99999999.gadi-pbs 41000\n"
	}

	message, err := controller.EnsureRunning(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}

	if scheduler.submissions != 1 {
		t.Errorf("submissions = %d, want 1", scheduler.submissions)
	}
	if message.Tag != remote.TagNew {
		t.Errorf("tag = %q, want NEW", message.Tag)
	}
	if message.JobID != "99999999.gadi-pbs" {
		t.Errorf("JobID = %q, want the new job's ID", message.JobID)
	}
}

func TestEnsureRunningMissingGroup(t *testing.T) {
	for _, missing := range []string{"hh5", "w35"} {
		t.Run(missing, func(t *testing.T) {
			host := newFakeHost()
			kept := []string{}
			for _, group := range strings.Fields("hh5 w35 oi10") {
				if group != missing {
					kept = append(kept, group)
				}
			}
			host.groups = strings.Join(kept, " ")
			scheduler := &fakeScheduler{}
			controller := testController(host, scheduler)

			message, err := controller.EnsureRunning(context.Background(), testRequest(), nil)
			if err == nil {
				t.Fatal("EnsureRunning succeeded without required group")
			}
			if !strings.Contains(err.Error(), missing) {
				t.Errorf("error %q does not name the missing group %q", err, missing)
			}
			if message.Tag != remote.TagError {
				t.Errorf("tag = %q, want ERROR", message.Tag)
			}
			if scheduler.submissions != 0 {
				t.Errorf("submissions = %d, want 0", scheduler.submissions)
			}
		})
	}
}

func TestEnsureRunningStorageAutoDetection(t *testing.T) {
	host := newFakeHost()
	host.groups = "hh5 w35 access.admin"
	host.mounts = map[string]bool{"/scratch/w35": true}
	scheduler := &fakeScheduler{jobID: "11111111.gadi-pbs"}
	controller := testController(host, scheduler)
	scheduler.onSubmit = func() {
		host.files[controller.WorkDir()+"/message"] = publishedLine
	}

	if _, err := controller.EnsureRunning(context.Background(), testRequest(), nil); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}

	storage := scheduler.submitted[0].Storage
	if !strings.Contains(storage, "scratch/w35") {
		t.Errorf("storage %q missing detected scratch/w35", storage)
	}
	if strings.Contains(storage, "access.admin") {
		t.Errorf("storage %q includes an administrative group", storage)
	}
	for _, fixed := range []string{"gdata/hh5", "gdata/w35"} {
		if !strings.Contains(storage, fixed) {
			t.Errorf("storage %q missing fixed mount %s", storage, fixed)
		}
	}
}

func TestEnsureRunningExplicitStorage(t *testing.T) {
	host := newFakeHost()
	scheduler := &fakeScheduler{jobID: "22222222.gadi-pbs"}
	controller := testController(host, scheduler)
	scheduler.onSubmit = func() {
		host.files[controller.WorkDir()+"/message"] = publishedLine
	}

	request := testRequest()
	request.Storage = "scratch/zz99+gdata/hh5"

	if _, err := controller.EnsureRunning(context.Background(), request, nil); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}

	storage := scheduler.submitted[0].Storage
	if !strings.Contains(storage, "scratch/zz99") {
		t.Errorf("storage %q dropped the user-supplied entry", storage)
	}
	if strings.Count(storage, "gdata/hh5") != 1 {
		t.Errorf("storage %q duplicates a fixed mount", storage)
	}
	// Auto-detection must not have run.
	for _, command := range host.commands {
		if strings.HasPrefix(command, "for g in ") {
			t.Errorf("storage probe ran despite explicit storage: %s", command)
		}
	}
}

func TestEnsureRunningFiresOnSubmitted(t *testing.T) {
	host := newFakeHost()
	scheduler := &fakeScheduler{jobID: "33333333.gadi-pbs"}
	controller := testController(host, scheduler)

	var armed string
	onSubmitted := func(jobID string) {
		armed = jobID
		// The message appears only after the hook fired, proving the
		// hook runs before the unbounded wait begins.
		host.files[controller.WorkDir()+"/message"] = "gadi-cpu-clx-0001 aa11 33333333.gadi-pbs 40001\n"
	}

	if _, err := controller.EnsureRunning(context.Background(), testRequest(), onSubmitted); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if armed != "33333333.gadi-pbs" {
		t.Errorf("OnSubmitted saw %q, want the submitted job ID", armed)
	}
}

func TestEnsureRunningPollsUntilMessageAppears(t *testing.T) {
	host := newFakeHost()
	scheduler := &fakeScheduler{jobID: "44444444.gadi-pbs"}
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	controller := remote.NewController(host, scheduler, clk, quietLogger(), "w35", "abc123")

	type result struct {
		message remote.Message
		err     error
	}
	done := make(chan result, 1)
	go func() {
		message, err := controller.EnsureRunning(context.Background(), testRequest(), nil)
		done <- result{message, err}
	}()

	// First poll finds nothing; publish between the first and second.
	clk.WaitForWaiters(1)
	host.files[controller.WorkDir()+"/message"] = publishedLine
	clk.Advance(5 * time.Second)

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("EnsureRunning: %v", r.err)
		}
		if r.message.Tag != remote.TagNew {
			t.Errorf("tag = %q, want NEW", r.message.Tag)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("EnsureRunning did not return after the message appeared")
	}
}

func TestEnsureRunningToleratesTornMessageRead(t *testing.T) {
	host := newFakeHost()
	scheduler := &fakeScheduler{jobID: "87654321.gadi-pbs"}
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	controller := remote.NewController(host, scheduler, clk, quietLogger(), "w35", "abc123")
	// The first poll lands mid-write on the shared filesystem and sees
	// a partial line.
	scheduler.onSubmit = func() {
		host.files[controller.WorkDir()+"/message"] = "gadi-cpu-clx-0427 4f1d22e8 87654321.gadi-pbs"
	}

	type result struct {
		message remote.Message
		err     error
	}
	done := make(chan result, 1)
	go func() {
		message, err := controller.EnsureRunning(context.Background(), testRequest(), nil)
		done <- result{message, err}
	}()

	// The write completes before the next poll.
	clk.WaitForWaiters(1)
	host.files[controller.WorkDir()+"/message"] = publishedLine
	clk.Advance(5 * time.Second)

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("EnsureRunning failed on a transiently torn message: %v", r.err)
		}
		if r.message.Port != 42817 {
			t.Errorf("message = %+v, want the completed line", r.message)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("EnsureRunning did not return after the write completed")
	}
}

func TestEnsureRunningFailsOnPersistentlyMalformedMessage(t *testing.T) {
	host := newFakeHost()
	scheduler := &fakeScheduler{jobID: "87654321.gadi-pbs"}
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	controller := remote.NewController(host, scheduler, clk, quietLogger(), "w35", "abc123")
	scheduler.onSubmit = func() {
		host.files[controller.WorkDir()+"/message"] = "only two\n"
	}

	done := make(chan error, 1)
	go func() {
		_, err := controller.EnsureRunning(context.Background(), testRequest(), nil)
		done <- err
	}()

	// A line that never becomes well-formed must fail after the
	// tolerance is exhausted rather than poll forever.
	for i := 0; i < 2; i++ {
		clk.WaitForWaiters(1)
		clk.Advance(5 * time.Second)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("EnsureRunning succeeded on a message that never parses")
		}
		if !strings.Contains(err.Error(), "malformed") {
			t.Errorf("error %q does not report the malformed message", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("EnsureRunning kept polling a persistently malformed message")
	}
}

func TestEnsureRunningCancelledWhileWaiting(t *testing.T) {
	host := newFakeHost()
	scheduler := &fakeScheduler{jobID: "55555555.gadi-pbs"}
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	controller := remote.NewController(host, scheduler, clk, quietLogger(), "w35", "abc123")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := controller.EnsureRunning(ctx, testRequest(), nil)
		done <- err
	}()

	clk.WaitForWaiters(1)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("EnsureRunning error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("EnsureRunning did not return after cancellation")
	}
}
