package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/faceid/internal/config"
	"github.com/andresmejia3/faceid/internal/engine"
	"github.com/andresmejia3/faceid/internal/enroll"
	"github.com/andresmejia3/faceid/internal/matcher"
	"github.com/andresmejia3/faceid/internal/store"
	"github.com/andresmejia3/faceid/internal/types"
	"github.com/schollz/progressbar/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// stubCapability finds the boxes returned by detect and encodes each of them
// with vec. A nil vec fails every face.
type stubCapability struct {
	detect func(img []byte) []types.Box
	vec    []float64
	errs   map[string]error // Detect errors by image content
}

func (s *stubCapability) Detect(_ context.Context, img []byte) ([]types.Box, error) {
	if err, ok := s.errs[string(img)]; ok {
		return nil, err
	}
	return s.detect(img), nil
}

func (s *stubCapability) Encode(_ context.Context, _ []byte, boxes []types.Box) ([]types.Encoding, error) {
	out := make([]types.Encoding, len(boxes))
	for i := range boxes {
		if s.vec == nil {
			out[i] = types.Encoding{Err: types.ErrFaceSkipped}
			continue
		}
		out[i] = types.Encoding{Vec: append([]float64(nil), s.vec...)}
	}
	return out, nil
}

func oneFace([]byte) []types.Box { return []types.Box{{1, 5, 5, 1}} }

// pacedSource yields n frames, one every 2ms, then io.EOF.
type pacedSource struct {
	n, pos int
}

func (s *pacedSource) Next(ctx context.Context) ([]byte, error) {
	if s.pos >= s.n {
		return nil, io.EOF
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * time.Millisecond):
	}
	s.pos++
	return []byte{0xFF, 0xD8, byte(s.pos), 0xFF, 0xD9}, nil
}

func (s *pacedSource) Close() error { return nil }

// syncBuffer is written by the progress bar's render loop and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func discardBar() *progressbar.ProgressBar {
	return progressbar.NewOptions(-1, progressbar.OptionSetWriter(io.Discard))
}

func newTestController(st *store.Store, c engine.Capability, frames int) *engine.Controller {
	open := func(context.Context) (engine.FrameSource, error) {
		return &pacedSource{n: frames}, nil
	}
	session := enroll.NewSession(st, enroll.Options{MaxCaptures: 2, Logger: quiet})
	return engine.NewController(engine.Deps{
		Open:       open,
		Capability: c,
		Store:      st,
		Session:    session,
	}, engine.Options{Every: 1, Scale: 1, Logger: quiet})
}

func TestFmtTime(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "00:00:00"},
		{65, "00:01:05"},
		{3661, "01:01:01"},
		{-3, "00:00:00"},
	}

	for _, tt := range tests {
		if got := fmtTime(tt.seconds); got != tt.want {
			t.Errorf("fmtTime(%v) = %v, want %v", tt.seconds, got, tt.want)
		}
	}
}

func TestSightings(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	seen := sightings{}

	fresh := seen.add([]matcher.Result{
		{Label: "alice", Similarity: 0.8, Timestamp: start.Add(time.Second)},
		{Label: matcher.Unknown, Similarity: 0.1, Timestamp: start.Add(time.Second)},
		{Label: "alice", Similarity: 0.9, Timestamp: start.Add(time.Second)},
	})
	assert.Equal(t, []string{"alice"}, fresh)

	fresh = seen.add([]matcher.Result{
		{Label: "alice", Similarity: 0.7, Timestamp: start.Add(65 * time.Second)},
		{Label: "bob", Similarity: 0.75, Timestamp: start.Add(65 * time.Second)},
	})
	assert.Equal(t, []string{"bob"}, fresh)

	require.Contains(t, seen, "alice")
	assert.Equal(t, 2, seen["alice"].Frames, "two faces in one frame count once")
	assert.InDelta(t, 0.9, seen["alice"].Best, 1e-9)

	var out bytes.Buffer
	seen.print(&out, start)
	assert.Contains(t, out.String(), "👤 alice: 2 frames, best similarity 0.90")
	assert.Contains(t, out.String(), "00:00:01 -> 00:01:05")
	assert.Less(t, strings.Index(out.String(), "alice"), strings.Index(out.String(), "bob"))

	out.Reset()
	sightings{}.print(&out, start)
	assert.Contains(t, out.String(), "No known faces recognized.")
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		p := newPrompter(strings.NewReader(tt.input), &out)
		assert.Equal(t, tt.want, confirm(context.Background(), p, "Sure?"), "input %q", tt.input)
		assert.Equal(t, "Sure? [y/N]: ", out.String())
	}
}

func TestIdentify(t *testing.T) {
	snap := store.Snapshot{
		Encodings: []store.Vector{{0, 0}, {10, 10}},
		Names:     []string{"alice", "bob"},
	}
	c := &stubCapability{
		detect: func([]byte) []types.Box { return []types.Box{{0, 4, 4, 0}} },
		vec:    []float64{10, 10.1},
	}

	results, err := identify(context.Background(), c, []byte("img"), snap, 0.3)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "bob", results[0].Label)
	assert.Equal(t, types.Box{0, 4, 4, 0}, results[0].Box)

	var out bytes.Buffer
	printResults(&out, results)
	assert.Contains(t, out.String(), "bob")
	assert.Contains(t, out.String(), "0,4,4,0")

	c.vec = nil
	results, err = identify(context.Background(), c, []byte("img"), snap, 0.3)
	require.NoError(t, err)
	assert.Empty(t, results, "unencoded faces are left out")

	c.detect = func([]byte) []types.Box { return nil }
	results, err = identify(context.Background(), c, []byte("img"), snap, 0.3)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestLabelImages(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}
	images := []string{
		write("a.jpg", "one"),
		write("b.jpg", "none"),
		write("c.jpg", "two"),
		filepath.Join(dir, "missing.jpg"),
		write("corrupt.jpg", "garbage"),
		write("d.jpg", "one"),
	}
	c := &stubCapability{
		errs: map[string]error{"garbage": errors.New("python worker error: cannot identify image file")},
		detect: func(img []byte) []types.Box {
			switch string(img) {
			case "one":
				return []types.Box{{1, 2, 2, 1}}
			case "two":
				return []types.Box{{1, 2, 2, 1}, {3, 4, 4, 3}}
			}
			return nil
		},
		vec: []float64{0.5, 0.5},
	}

	st := store.New(nil)
	archive := filepath.Join(dir, "archive")
	session := enroll.NewSession(st, enroll.Options{
		MaxCaptures: len(images),
		Archive:     enroll.NewArchive(archive),
		Logger:      quiet,
	})

	var out bytes.Buffer
	accepted, err := labelImages(context.Background(), session, c, "carol", images, &out)
	require.NoError(t, err)
	assert.Equal(t, 2, accepted)
	assert.Equal(t, map[string]int{"carol": 2}, st.CountByIdentity())
	assert.Contains(t, out.String(), "no face detected")
	assert.Contains(t, out.String(), "multiple faces detected")
	assert.Contains(t, out.String(), "missing.jpg")
	assert.Contains(t, out.String(), "corrupt.jpg: python worker error: cannot identify image file")
	assert.Equal(t, enroll.Cancelled, session.State(), "an unfilled session is closed")

	files, err := os.ReadDir(filepath.Join(archive, "carol"))
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestLabelImagesStopsWhenWorkerIsLost(t *testing.T) {
	dir := t.TempDir()
	var images []string
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(name), 0o644))
		images = append(images, path)
	}
	lost := fmt.Errorf("worker 0: %w: %w", types.ErrCapabilityLost, io.EOF)
	c := &stubCapability{
		detect: oneFace,
		vec:    []float64{0.5, 0.5},
		errs:   map[string]error{"b.jpg": lost},
	}
	st := store.New(nil)
	session := enroll.NewSession(st, enroll.Options{MaxCaptures: len(images), Logger: quiet})

	accepted, err := labelImages(context.Background(), session, c, "dave", images, io.Discard)
	assert.ErrorIs(t, err, types.ErrCapabilityLost)
	assert.ErrorContains(t, err, "b.jpg")
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, st.Len())
	assert.Equal(t, enroll.Cancelled, session.State())
}

func TestLabelImagesRejectsEmptyName(t *testing.T) {
	session := enroll.NewSession(store.New(nil), enroll.Options{Logger: quiet})
	_, err := labelImages(context.Background(), session, &stubCapability{detect: oneFace}, " ", []string{"x.jpg"}, io.Discard)
	assert.ErrorIs(t, err, enroll.ErrEmptyIdentity)
}

func TestConsoleSettingsAndClear(t *testing.T) {
	st := store.New(nil)
	require.NoError(t, st.Add("alice", store.Vector{0, 0}))
	ctrl := newTestController(st, &stubCapability{detect: oneFace}, 0)

	script := strings.Join([]string{
		"3", "abc", // invalid threshold
		"3", "0.95", // out of range
		"3", "0.5",
		"4", "n",
		"4", "y",
		"4",
		"9",
		"5",
	}, "\n") + "\n"
	out := &syncBuffer{}
	err := runConsole(context.Background(), ctrl, newPrompter(strings.NewReader(script), out), out, false, nil)
	require.NoError(t, err)

	got := out.String()
	assert.Contains(t, got, "===== Face Recognition System =====")
	assert.Contains(t, got, "Invalid input, threshold not changed")
	assert.Contains(t, got, "Threshold must be between 0.1 and 0.9")
	assert.Contains(t, got, "Threshold updated to 0.50")
	assert.InDelta(t, 0.5, ctrl.Threshold(), 1e-9)
	assert.Contains(t, got, "All trained faces have been cleared.")
	assert.Contains(t, got, "No trained faces to clear.")
	assert.Contains(t, got, "Invalid choice. Please try again.")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(got), "Exiting..."))
	assert.Equal(t, 0, st.Len())
}

func TestConsoleRecognitionNeedsFaces(t *testing.T) {
	ctrl := newTestController(store.New(nil), &stubCapability{detect: oneFace}, 5)
	out := &syncBuffer{}
	err := runConsole(context.Background(), ctrl, newPrompter(strings.NewReader("2\n"), out), out, false, nil)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "No faces trained yet!")
	assert.False(t, ctrl.Running(), "the camera is never opened")
}

func TestConsoleTrainThenRecognize(t *testing.T) {
	st := store.New(nil)
	c := &stubCapability{detect: oneFace, vec: []float64{1, 1}}
	ctrl := newTestController(st, c, 50)

	// Input ends after the name; the training run finishes on its own and
	// the menu then exits on end of input.
	out := &syncBuffer{}
	err := runConsole(context.Background(), ctrl, newPrompter(strings.NewReader("1\nbob\n"), out), out, false, nil)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Training complete for bob: 2 images captured")
	assert.Equal(t, map[string]int{"bob": 2}, st.CountByIdentity())
	assert.False(t, ctrl.Running(), "the camera is released after training")

	out = &syncBuffer{}
	err = runConsole(context.Background(), ctrl, newPrompter(strings.NewReader("2\n"), out), out, false, nil)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "👤 bob recognized (similarity 1.00)")
	assert.Contains(t, out.String(), "RECOGNITION SUMMARY")
	assert.NotEmpty(t, ctrl.History())
}

func TestWatchRecognitionQuits(t *testing.T) {
	st := store.New(nil)
	require.NoError(t, st.Add("alice", store.Vector{0, 0}))
	ctrl := newTestController(st, &stubCapability{detect: oneFace, vec: []float64{0, 0}}, 1000)

	pr, pw := io.Pipe()
	defer pw.Close()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		_, err := watchRecognition(context.Background(), ctrl, newPrompter(pr, out), out, discardBar())
		done <- err
	}()

	require.Eventually(t, func() bool { return len(ctrl.History()) > 0 }, 5*time.Second, 5*time.Millisecond)
	_, err := io.WriteString(pw, "q\n")
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("recognition did not stop")
	}
	assert.False(t, ctrl.Running())
}

func TestWatchTrainingManualCancel(t *testing.T) {
	st := store.New(nil)
	ctrl := newTestController(st, &stubCapability{detect: oneFace, vec: []float64{2, 2}}, 1000)
	defer ctrl.Exit(context.Background())

	pr, pw := io.Pipe()
	defer pw.Close()
	out := &syncBuffer{}
	type result struct {
		progress enroll.Progress
		err      error
	}
	done := make(chan result, 1)
	go func() {
		p, err := watchTraining(context.Background(), ctrl, newPrompter(pr, out), out, "dave", true)
		done <- result{p, err}
	}()

	require.Eventually(t, func() bool { return ctrl.Enrollment().State == "capturing" }, 5*time.Second, 5*time.Millisecond)
	// ENTER captures one image.
	_, err := io.WriteString(pw, "\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return st.Len() == 1 }, 5*time.Second, 5*time.Millisecond)

	_, err = io.WriteString(pw, "q\n")
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "cancelled", r.progress.State)
		assert.Equal(t, 1, r.progress.Captured)
	case <-time.After(5 * time.Second):
		t.Fatal("training did not stop")
	}
	assert.Equal(t, 1, st.Len(), "samples captured before the cancel are kept")
}

func TestOpenStoreFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "faces.msgpack")
	c, err := config.Load("", nil)
	require.NoError(t, err)
	c.Store.Path = path

	st, closeFn, err := openStore(context.Background(), c)
	require.NoError(t, err)
	require.NoError(t, st.Append(context.Background(), "erin", store.Vector{1, 2, 3}))
	closeFn()

	reopened, closeFn, err := openStore(context.Background(), c)
	require.NoError(t, err)
	defer closeFn()
	found, err := reopened.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"erin"}, reopened.Identities())
}
