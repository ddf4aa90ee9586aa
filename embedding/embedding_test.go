package embedding

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func writeInfo(w http.ResponseWriter, dims int) {
	json.NewEncoder(w).Encode(struct {
		Model      string `json:"model"`
		Dimensions int    `json:"dimensions"`
	}{"clip-test", dims})
}

func writeVector(w http.ResponseWriter, vec []float32) {
	json.NewEncoder(w).Encode(struct {
		Embedding []float32 `json:"embedding"`
	}{vec})
}

// sidecar builds a fake inference service advertising 2 dimensions.
func sidecar(embedImage, embedText http.HandlerFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		writeInfo(w, 2)
	})
	if embedImage != nil {
		mux.HandleFunc("/embed/image", embedImage)
	}
	if embedText != nil {
		mux.HandleFunc("/embed/text", embedText)
	}
	return mux
}

func newTestService(t *testing.T, mux http.Handler) *Service {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	svc, err := Open(Options{
		ServerURL:  srv.URL,
		Dimensions: 2,
		BatchSize:  2,
		BatchPause: 25 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func TestOpenRequiresURL(t *testing.T) {
	if _, err := Open(Options{}); err == nil {
		t.Error("Expected an error for a missing server URL")
	}
}

func TestDimensions(t *testing.T) {
	svc := newTestService(t, sidecar(nil, nil))
	if expected, actual := 2, svc.Dimensions(); expected != actual {
		t.Errorf("Expected %d dimensions, got %d", expected, actual)
	}

	// Open applies the default without contacting the server.
	svc, err := Open(Options{ServerURL: "http://localhost:1"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Close)
	if expected, actual := DefaultDimensions, svc.Dimensions(); expected != actual {
		t.Errorf("Expected %d dimensions, got %d", expected, actual)
	}
}

func TestEmbedTextNormalizes(t *testing.T) {
	svc := newTestService(t, sidecar(nil, func(w http.ResponseWriter, r *http.Request) {
		writeVector(w, []float32{3, 4})
	}))

	vec, err := svc.EmbedText(t.Context(), "a red car")
	if err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	if expected, actual := []float32{0.6, 0.8}, vec; len(actual) != 2 ||
		math.Abs(float64(expected[0]-actual[0])) > 1e-6 ||
		math.Abs(float64(expected[1]-actual[1])) > 1e-6 {
		t.Errorf("Expected %v, got %v", expected, actual)
	}
	if expected, actual := "clip-test", svc.Model(); expected != actual {
		t.Errorf("Expected model %q, got %q", expected, actual)
	}
}

func TestEmbedImageSendsJPEGBody(t *testing.T) {
	payload := []byte{0xff, 0xd8, 0xff, 0xe0}
	svc := newTestService(t, sidecar(func(w http.ResponseWriter, r *http.Request) {
		if expected, actual := "image/jpeg", r.Header.Get("Content-Type"); expected != actual {
			t.Errorf("Expected content type %q, got %q", expected, actual)
		}
		body, _ := io.ReadAll(r.Body)
		if expected, actual := len(payload), len(body); expected != actual {
			t.Errorf("Expected %d body bytes, got %d", expected, actual)
		}
		writeVector(w, []float32{1, 0})
	}, nil))

	vec, err := svc.EmbedImage(t.Context(), payload)
	if err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	if expected, actual := float32(1), vec[0]; expected != actual {
		t.Errorf("Expected %v, got %v", expected, actual)
	}
}

func TestEmbedDimensionMismatch(t *testing.T) {
	svc := newTestService(t, sidecar(nil, func(w http.ResponseWriter, r *http.Request) {
		writeVector(w, []float32{1, 2, 3})
	}))

	if _, err := svc.EmbedText(t.Context(), "query"); !errors.Is(err, ErrModel) {
		t.Errorf("Expected ErrModel, got %v", err)
	}
}

func TestHandshake(t *testing.T) {
	t.Run("rejects wrong dimensions", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
			writeInfo(w, 999)
		})
		svc := newTestService(t, mux)

		if _, err := svc.EmbedText(t.Context(), "query"); !errors.Is(err, ErrModel) {
			t.Errorf("Expected ErrModel, got %v", err)
		}
	})

	t.Run("recovers after startup failure", func(t *testing.T) {
		var infoCalls atomic.Int32
		mux := http.NewServeMux()
		mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
			if infoCalls.Add(1) == 1 {
				http.Error(w, "starting up", http.StatusServiceUnavailable)
				return
			}
			writeInfo(w, 2)
		})
		mux.HandleFunc("/embed/text", func(w http.ResponseWriter, r *http.Request) {
			writeVector(w, []float32{1, 0})
		})
		svc := newTestService(t, mux)

		if _, err := svc.EmbedText(t.Context(), "query"); !errors.Is(err, ErrModel) {
			t.Errorf("Expected ErrModel while starting up, got %v", err)
		}
		if _, err := svc.EmbedText(t.Context(), "query"); err != nil {
			t.Errorf("Unexpected error after recovery %s", err)
		}
		// The successful probe is cached, further calls must not re-probe.
		if _, err := svc.EmbedText(t.Context(), "query"); err != nil {
			t.Errorf("Unexpected error %s", err)
		}
		if expected, actual := 2, int(infoCalls.Load()); expected != actual {
			t.Errorf("Expected %d handshake probes, got %d", expected, actual)
		}
	})
}

func TestEmbedImageBatch(t *testing.T) {
	svc := newTestService(t, sidecar(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		writeVector(w, []float32{float32(body[0]), 1})
	}, nil))

	images := [][]byte{{1}, {2}, {3}, {4}, {5}}
	start := time.Now()
	vecs, err := svc.EmbedImageBatch(t.Context(), images)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	if expected, actual := len(images), len(vecs); expected != actual {
		t.Fatalf("Expected %d vectors, got %d", expected, actual)
	}

	// Normalization preserves the component ratio, which encodes the input
	// index, so order survives the concurrent sub-batches.
	for i, vec := range vecs {
		ratio := float64(vec[0] / vec[1])
		if expected := float64(i + 1); math.Abs(expected-ratio) > 1e-3 {
			t.Errorf("Vector %d: expected ratio %v, got %v", i, expected, ratio)
		}
	}

	// 5 images at sub-batch size 2 means two pacing pauses.
	if expected, actual := 50*time.Millisecond, elapsed; actual < expected {
		t.Errorf("Expected at least %s of pacing, finished in %s", expected, actual)
	}
}

func TestEmbedImageBatchError(t *testing.T) {
	svc := newTestService(t, sidecar(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if body[0] == 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		writeVector(w, []float32{1, 0})
	}, nil))

	_, err := svc.EmbedImageBatch(t.Context(), [][]byte{{1}, {2}, {3}, {4}})
	if !errors.Is(err, ErrModel) {
		t.Errorf("Expected ErrModel, got %v", err)
	}
}

func TestConcurrentCallers(t *testing.T) {
	var probes atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		writeInfo(w, 2)
	})
	mux.HandleFunc("/embed/text", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		writeVector(w, []float32{1, 0})
	})
	svc := newTestService(t, mux)

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.EmbedText(t.Context(), "query")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Caller %d: unexpected error %s", i, err)
		}
	}
	if expected, actual := 1, int(probes.Load()); expected != actual {
		t.Errorf("Expected %d handshake probe, got %d", expected, actual)
	}
}

func TestCloseIdempotent(t *testing.T) {
	svc := newTestService(t, sidecar(nil, nil))
	svc.Close()
	svc.Close()
}
