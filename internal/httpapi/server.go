package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"wlmd/internal/device"
	"wlmd/internal/modelstore"
	"wlmd/internal/wlm"
	"wlmd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Register(ctx context.Context, spec wlm.RegisterSpec) error
	Unregister(ctx context.Context, name, version string) error
	Scale(ctx context.Context, name, version string, minWorkers, maxWorkers int) error
	Submit(ctx context.Context, name, version string, payload []byte) (*wlm.StreamingResult, error)
	Status() ([]wlm.PoolStatus, []device.Occupancy)
	Models() []string
}

// zlog is an optional structured logger. If unset, the HTTP layer stays
// quiet beyond metrics.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// maxBodyBytes controls the maximum allowed request body size.
var maxBodyBytes int64 = 32 << 20

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 32 << 20
		return
	}
	maxBodyBytes = n
}

// chunkReadTimeout bounds each wait for the next result chunk while
// streaming a prediction response.
const chunkReadTimeout = 60 * time.Second

var startTime = time.Now()

// NewMux wires the management and inference routes around svc.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if corsEnabled {
		r.Use(cors.Handler(corsOptions()))
	}
	r.Use(MetricsMiddleware)

	r.Get("/ping", handlePing)
	r.Get("/healthz", handlePing)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/models", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, types.ModelsResponse{Models: svc.Models()})
	})
	r.Post("/models", handleRegister(svc))
	r.Get("/status", handleStatus(svc))

	r.Route("/models/{name}", func(r chi.Router) {
		r.Delete("/", handleUnregister(svc, false))
		r.Put("/", handleScale(svc, false))
		r.Delete("/{version}", handleUnregister(svc, true))
		r.Put("/{version}", handleScale(svc, true))
	})

	r.Post("/predictions/{name}", handlePredict(svc, false))
	r.Post("/predictions/{name}/{version}", handlePredict(svc, true))
	return r
}

func handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleRegister accepts a JSON body or DJL-style query parameters; query
// values override body fields so curl-only management keeps working.
func handleRegister(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body types.RegisterRequest
		if req.Body != nil && req.ContentLength != 0 {
			dec := json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes))
			if err := dec.Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "invalid JSON body", Code: http.StatusBadRequest})
				return
			}
		}
		q := req.URL.Query()
		if v := q.Get("url"); v != "" {
			body.URL = v
		}
		if v := q.Get("model_name"); v != "" {
			body.ModelName = v
		}
		if v := q.Get("version"); v != "" {
			body.Version = v
		}
		if v := q.Get("engine"); v != "" {
			body.Engine = v
		}
		if v := q.Get("device_spec"); v != "" {
			body.DeviceSpec = v
		}
		body.TensorParallel = intParam(q.Get("tensor_parallel"), body.TensorParallel)
		body.MinWorkers = intParam(q.Get("min_worker"), body.MinWorkers)
		body.MaxWorkers = intParam(q.Get("max_worker"), body.MaxWorkers)
		body.BatchSize = intParam(q.Get("batch_size"), body.BatchSize)
		body.MaxBatchDelayMS = intParam(q.Get("max_batch_delay"), body.MaxBatchDelayMS)
		body.MaxIdleTimeMS = intParam(q.Get("max_idle_time"), body.MaxIdleTimeMS)
		if v := q.Get("mpi"); v != "" {
			body.MPI = v == "true" || v == "1"
		}
		if body.ModelName == "" {
			body.ModelName = modelstore.InferName(body.URL)
		}

		spec := wlm.RegisterSpec{
			Name:           body.ModelName,
			Version:        body.Version,
			URL:            body.URL,
			Engine:         body.Engine,
			DeviceSpec:     body.DeviceSpec,
			TensorParallel: body.TensorParallel,
			MinWorkers:     body.MinWorkers,
			MaxWorkers:     body.MaxWorkers,
			BatchSize:      body.BatchSize,
			MaxBatchDelay:  time.Duration(body.MaxBatchDelayMS) * time.Millisecond,
			MaxIdleTime:    time.Duration(body.MaxIdleTimeMS) * time.Millisecond,
			MPI:            body.MPI,
			Options:        body.Options,
		}
		if err := svc.Register(req.Context(), spec); err != nil {
			logErr(req, err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "registered", "model": spec.Name})
	}
}

func handleUnregister(svc Service, versioned bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		name, version := routeModel(req, versioned)
		if err := svc.Unregister(req.Context(), name, version); err != nil {
			logErr(req, err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "unregistered", "model": name})
	}
}

func handleScale(svc Service, versioned bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		name, version := routeModel(req, versioned)
		q := req.URL.Query()
		min := intParam(q.Get("min_worker"), 1)
		max := intParam(q.Get("max_worker"), min)
		if err := svc.Scale(req.Context(), name, version, min, max); err != nil {
			logErr(req, err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "scaled", "model": name})
	}
}

// handlePredict submits the request body as one job and streams the
// result chunks back. A disconnected client cancels the result; the
// worker observes the cancellation at the next chunk boundary.
func handlePredict(svc Service, versioned bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		name, version := routeModel(req, versioned)
		payload, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "unreadable body", Code: http.StatusBadRequest})
			return
		}
		res, err := svc.Submit(req.Context(), name, version, payload)
		if err != nil {
			logErr(req, err)
			writeError(w, err)
			return
		}
		defer res.Cancel()

		flusher, _ := w.(http.Flusher)
		wrote := false
		for {
			data, last, err := res.Next(chunkReadTimeout)
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if errors.Is(err, wlm.ErrTimeout) {
					// the consumer gives up; timing out alone does not
					// cancel the producer, so do it explicitly
					res.Cancel()
					if !wrote {
						writeJSON(w, http.StatusGatewayTimeout, types.ErrorResponse{
							Error: err.Error(), Code: http.StatusGatewayTimeout,
						})
					}
					return
				}
				logErr(req, err)
				if !wrote {
					writeError(w, err)
				}
				return
			}
			if req.Context().Err() != nil {
				res.Cancel()
				return
			}
			if len(data) > 0 {
				if !wrote {
					w.Header().Set("Content-Type", "application/octet-stream")
					wrote = true
				}
				if _, werr := w.Write(data); werr != nil {
					res.Cancel()
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
			if last {
				return
			}
		}
	}
}

func handleStatus(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		pools, occ := svc.Status()
		resp := types.StatusResponse{
			UptimeSeconds:  int64(time.Since(startTime).Seconds()),
			ServerTimeUnix: time.Now().Unix(),
		}
		for _, o := range occ {
			resp.Devices = append(resp.Devices, o.String())
		}
		for _, p := range pools {
			ms := types.ModelStatus{
				Name:            p.Model.Name,
				Version:         p.Model.Version,
				Engine:          p.Model.Engine,
				DeviceSpec:      p.Model.DeviceSpec,
				BatchSize:       p.Model.BatchSize,
				MaxBatchDelayMS: p.Model.MaxBatchDelay.Milliseconds(),
				Target:          p.Target,
				MinWorkers:      p.MinWorkers,
				QueueLen:        p.QueueLen,
			}
			for _, ws := range p.Workers {
				ms.Workers = append(ms.Workers, types.WorkerStatus{
					ID:             ws.ID,
					State:          string(ws.State),
					Devices:        ws.Devices.String(),
					LastActiveUnix: ws.LastActive.Unix(),
				})
			}
			resp.Models = append(resp.Models, ms)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func routeModel(req *http.Request, versioned bool) (string, string) {
	name := chi.URLParam(req, "name")
	version := ""
	if versioned {
		version = chi.URLParam(req, "version")
	}
	return name, version
}

func intParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func logErr(req *http.Request, err error) {
	if zlog == nil {
		return
	}
	zlog.Warn().Err(err).Str("path", req.URL.Path).Str("method", req.Method).Msg("request failed")
}
