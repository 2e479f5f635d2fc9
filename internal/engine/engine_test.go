package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/extract"
	"github.com/kozaktomas/face-attendance/internal/gate"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/match"
	"github.com/kozaktomas/face-attendance/internal/store"
	"github.com/kozaktomas/face-attendance/internal/tasks"
)

const testDim = 32

// fakeExtractor maps image payloads to canned extraction results, standing in
// for the embedding/liveness service.
type fakeExtractor struct {
	results map[string]*extract.Result
}

func (f *fakeExtractor) Extract(_ context.Context, image []byte) (*extract.Result, error) {
	res, ok := f.results[string(image)]
	if !ok {
		return nil, fmt.Errorf("no face found in %q", image)
	}
	return res, nil
}

func unitVector(seed int64) []float32 {
	rnd := rand.New(rand.NewSource(seed))
	v := make([]float32, testDim)
	var norm float64
	for i := range v {
		v[i] = float32(rnd.NormFloat64())
		norm += float64(v[i]) * float64(v[i])
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] /= float32(norm)
	}
	return v
}

// perturb nudges a vector so it stays close to the original but is not
// identical.
func perturb(v []float32, seed int64, scale float32) []float32 {
	rnd := rand.New(rand.NewSource(seed))
	out := make([]float32, len(v))
	for i := range v {
		out[i] = v[i] + scale*float32(rnd.NormFloat64())
	}
	return out
}

func goodResult(embedding []float32) *extract.Result {
	return &extract.Result{
		Embedding:          embedding,
		Dim:                testDim,
		Quality:            0.92,
		Live:               true,
		LivenessConfidence: 0.97,
		Model:              "test-model",
	}
}

func newTestEngine(t *testing.T, extractor extract.Extractor, cooldown time.Duration) (*Engine, *store.Store, *ledger.Ledger) {
	t.Helper()
	db, err := tasks.OpenSQLite(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	l, err := ledger.New(db, cooldown)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	s := store.New(testDim, 10000)
	g := gate.New(config.GateConfig{
		EnrollQuality:         0.75,
		VerifyQuality:         0.60,
		MinLivenessConfidence: 0.90,
	})
	m := match.New(s, config.MatchConfig{AcceptThreshold: 0.60, SeparationMargin: 0.03})
	return New(extractor, g, s, m, l, nil), s, l
}

func runTask(t *testing.T, e *Engine, kind tasks.Kind, input any) (json.RawMessage, string, error) {
	t.Helper()
	payload, err := json.Marshal(input)
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	return e.Handle(context.Background(), &tasks.Task{
		ID:    "task-1",
		Kind:  kind,
		Input: payload,
	})
}

func TestEnrollThenVerify(t *testing.T) {
	alice := unitVector(1)
	extractor := &fakeExtractor{results: map[string]*extract.Result{
		"alice-1":     goodResult(alice),
		"alice-2":     goodResult(perturb(alice, 2, 0.01)),
		"alice-3":     goodResult(perturb(alice, 3, 0.01)),
		"alice-probe": goodResult(perturb(alice, 4, 0.01)),
	}}
	e, s, _ := newTestEngine(t, extractor, time.Minute)

	result, reason, err := runTask(t, e, tasks.KindEnrollment, EnrollmentInput{
		Identity: "alice",
		Images: []string{
			base64.StdEncoding.EncodeToString([]byte("alice-1")),
			base64.StdEncoding.EncodeToString([]byte("alice-2")),
			base64.StdEncoding.EncodeToString([]byte("alice-3")),
		},
	})
	if err != nil {
		t.Fatalf("enrollment: reason=%s err=%v", reason, err)
	}
	var enrolled EnrollmentResult
	if err := json.Unmarshal(result, &enrolled); err != nil {
		t.Fatalf("decode enrollment result: %v", err)
	}
	if enrolled.Enrolled != 3 {
		t.Fatalf("expected 3 templates enrolled, got %d", enrolled.Enrolled)
	}
	if s.CountIdentity("alice") != 3 {
		t.Fatalf("store has %d templates for alice", s.CountIdentity("alice"))
	}

	result, reason, err = runTask(t, e, tasks.KindVerification, VerificationInput{
		Image:    base64.StdEncoding.EncodeToString([]byte("alice-probe")),
		CameraID: "gate-1",
	})
	if err != nil {
		t.Fatalf("verification: reason=%s err=%v", reason, err)
	}
	var verified VerificationResult
	if err := json.Unmarshal(result, &verified); err != nil {
		t.Fatalf("decode verification result: %v", err)
	}
	if !verified.Matched || verified.Identity != "alice" {
		t.Fatalf("expected match against alice, got %+v", verified)
	}
	if verified.Similarity <= 0.6 {
		t.Errorf("similarity = %v, want > 0.6", verified.Similarity)
	}
	if verified.Attendance == nil || !verified.Attendance.Recorded {
		t.Fatalf("expected attendance record, got %+v", verified.Attendance)
	}
}

func TestVerify_SecondSightingDeduplicated(t *testing.T) {
	alice := unitVector(1)
	extractor := &fakeExtractor{results: map[string]*extract.Result{
		"alice-1":     goodResult(alice),
		"alice-probe": goodResult(perturb(alice, 2, 0.01)),
	}}
	e, _, l := newTestEngine(t, extractor, time.Minute)

	if _, reason, err := runTask(t, e, tasks.KindEnrollment, EnrollmentInput{
		Identity: "alice",
		Images:   []string{base64.StdEncoding.EncodeToString([]byte("alice-1"))},
	}); err != nil {
		t.Fatalf("enrollment: reason=%s err=%v", reason, err)
	}

	probe := VerificationInput{Image: base64.StdEncoding.EncodeToString([]byte("alice-probe"))}
	for i, wantRecorded := range []bool{true, false} {
		result, reason, err := runTask(t, e, tasks.KindVerification, probe)
		if err != nil {
			t.Fatalf("verification %d: reason=%s err=%v", i, reason, err)
		}
		var verified VerificationResult
		if err := json.Unmarshal(result, &verified); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !verified.Matched {
			t.Fatalf("verification %d should match: %+v", i, verified)
		}
		if verified.Attendance.Recorded != wantRecorded {
			t.Fatalf("verification %d recorded = %v, want %v", i, verified.Attendance.Recorded, wantRecorded)
		}
	}

	recs, err := l.RecordsByIdentity(context.Background(), "alice",
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected exactly one attendance record, got %d", len(recs))
	}
}

func TestVerify_UnknownFaceBelowThreshold(t *testing.T) {
	// Orthogonal embeddings, cosine similarity exactly zero.
	alice := make([]float32, testDim)
	stranger := make([]float32, testDim)
	alice[0] = 1
	stranger[1] = 1
	extractor := &fakeExtractor{results: map[string]*extract.Result{
		"alice-1":  goodResult(alice),
		"stranger": goodResult(stranger),
	}}
	e, _, l := newTestEngine(t, extractor, time.Minute)

	if _, _, err := runTask(t, e, tasks.KindEnrollment, EnrollmentInput{
		Identity: "alice",
		Images:   []string{base64.StdEncoding.EncodeToString([]byte("alice-1"))},
	}); err != nil {
		t.Fatalf("enrollment: %v", err)
	}

	result, _, err := runTask(t, e, tasks.KindVerification, VerificationInput{
		Image: base64.StdEncoding.EncodeToString([]byte("stranger")),
	})
	if err != nil {
		t.Fatalf("verification: %v", err)
	}
	var verified VerificationResult
	if err := json.Unmarshal(result, &verified); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if verified.Matched || verified.Reason != string(match.ReasonBelowThreshold) {
		t.Fatalf("expected below_threshold rejection, got %+v", verified)
	}

	recs, err := l.RecordsByIdentity(context.Background(), "alice",
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("rejected verification must not write attendance, got %d records", len(recs))
	}
}

func TestVerify_GateRejectsSpoof(t *testing.T) {
	spoof := goodResult(unitVector(1))
	spoof.Live = false
	spoof.LivenessConfidence = 0.4
	extractor := &fakeExtractor{results: map[string]*extract.Result{
		"spoof": spoof,
	}}
	e, _, _ := newTestEngine(t, extractor, time.Minute)

	result, _, err := runTask(t, e, tasks.KindVerification, VerificationInput{
		Image: base64.StdEncoding.EncodeToString([]byte("spoof")),
	})
	if err != nil {
		t.Fatalf("verification: %v", err)
	}
	var verified VerificationResult
	if err := json.Unmarshal(result, &verified); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if verified.Matched || verified.Reason != string(gate.ReasonSpoofSuspected) {
		t.Fatalf("expected spoof rejection, got %+v", verified)
	}
}

func TestEnroll_AllImagesRejectedFails(t *testing.T) {
	blurry := goodResult(unitVector(1))
	blurry.Quality = 0.3
	extractor := &fakeExtractor{results: map[string]*extract.Result{
		"blurry": blurry,
	}}
	e, s, _ := newTestEngine(t, extractor, time.Minute)

	_, reason, err := runTask(t, e, tasks.KindEnrollment, EnrollmentInput{
		Identity: "alice",
		Images:   []string{base64.StdEncoding.EncodeToString([]byte("blurry"))},
	})
	if err == nil {
		t.Fatal("expected enrollment failure when every image is rejected")
	}
	if reason != string(gate.ReasonLowQuality) {
		t.Fatalf("failure reason = %q, want low_quality", reason)
	}
	if s.CountIdentity("alice") != 0 {
		t.Fatal("rejected enrollment must not store templates")
	}
}

func TestEnroll_PartialBatchSucceeds(t *testing.T) {
	blurry := goodResult(unitVector(1))
	blurry.Quality = 0.3
	extractor := &fakeExtractor{results: map[string]*extract.Result{
		"blurry": blurry,
		"sharp":  goodResult(unitVector(1)),
	}}
	e, s, _ := newTestEngine(t, extractor, time.Minute)

	result, reason, err := runTask(t, e, tasks.KindEnrollment, EnrollmentInput{
		Identity: "alice",
		Images: []string{
			base64.StdEncoding.EncodeToString([]byte("blurry")),
			base64.StdEncoding.EncodeToString([]byte("sharp")),
		},
	})
	if err != nil {
		t.Fatalf("enrollment: reason=%s err=%v", reason, err)
	}
	var enrolled EnrollmentResult
	if err := json.Unmarshal(result, &enrolled); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if enrolled.Enrolled != 1 || s.CountIdentity("alice") != 1 {
		t.Fatalf("expected one stored template, got result=%+v store=%d",
			enrolled, s.CountIdentity("alice"))
	}
	if enrolled.Outcomes[0].Enrolled || enrolled.Outcomes[0].Reason != string(gate.ReasonLowQuality) {
		t.Fatalf("expected first outcome rejected for low quality: %+v", enrolled.Outcomes[0])
	}
}

func TestVerify_ExtractorFailure(t *testing.T) {
	extractor := &fakeExtractor{results: map[string]*extract.Result{}}
	e, _, _ := newTestEngine(t, extractor, time.Minute)

	_, reason, err := runTask(t, e, tasks.KindVerification, VerificationInput{
		Image: base64.StdEncoding.EncodeToString([]byte("garbage")),
	})
	if err == nil {
		t.Fatal("expected failure when the extractor errors")
	}
	if reason != tasks.ReasonExtractionError {
		t.Fatalf("failure reason = %q, want %q", reason, tasks.ReasonExtractionError)
	}
}
