// Package server is the remote management façade: a thin HTTP translation
// of handler paths into engine calls, plus the image upload/download store.
package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/banksean/testbed"
	"github.com/banksean/testbed/deploy"
)

// workerSlots caps how many long operations (deploys, uploads) run at once;
// they block on the filesystem and child processes.
const workerSlots = 4

// Server exposes the engine over HTTP.
type Server struct {
	Deployer *deploy.Deployer
	Paths    testbed.Paths

	workers chan struct{}
}

// New wires a Server around the engine.
func New(deployer *deploy.Deployer, paths testbed.Paths) *Server {
	return &Server{
		Deployer: deployer,
		Paths:    paths,
		workers:  make(chan struct{}, workerSlots),
	}
}

// dispatch runs fn on the worker pool and waits for it; long operations must
// not occupy unbounded request goroutines.
func (s *Server) dispatch(fn func()) {
	s.workers <- struct{}{}
	defer func() { <-s.workers }()
	fn()
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /service/list/{all}/{group}", s.handleListServices)
	mux.HandleFunc("GET /node/list/{all}", s.handleListNodes)
	mux.HandleFunc("GET /node/get/{id}/{all}", s.handleGetNode)
	mux.HandleFunc("GET /image/list", s.handleListImages)
	mux.HandleFunc("GET /deployment/list/{all}", s.handleListDeployments)
	mux.HandleFunc("GET /deployment/logs/{id}", s.handleDeploymentLogs)
	mux.HandleFunc("PUT /deploy/image", s.handleDeployImage)
	mux.HandleFunc("PUT /deploy/file", s.handleDeployFile)
	mux.HandleFunc("POST /image/upload/{name}/{checksum}", s.handleUploadImage)
	mux.HandleFunc("GET /image/download/{name}", s.handleDownloadImage)
	return traceRequests(mux)
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	slog.Info("server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, err error, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// pathBool parses a boolean path segment; anything unparsable counts as
// false, so boolean-presence style values keep working.
func pathBool(r *http.Request, name string) bool {
	value, err := strconv.ParseBool(r.PathValue(name))
	return err == nil && value
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	rows, err := s.Deployer.ServiceRows(r.Context(), pathBool(r, "all"), pathBool(r, "group"))
	if err != nil {
		writeJSONError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, rows)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	rows, err := s.Deployer.NodeRows(r.Context(), pathBool(r, "all"))
	if err != nil {
		writeJSONError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, rows)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.Deployer.Cfg.Node(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, err, http.StatusInternalServerError)
		return
	}
	if node == nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if !pathBool(r, "all") && !s.Deployer.Net.Usable(node) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	writeJSON(w, node)
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	rows, err := s.Deployer.ImageRows(r.Context())
	if err != nil {
		writeJSONError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, rows)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	rows, err := s.Deployer.DeploymentRows(r.Context(), pathBool(r, "all"))
	if err != nil {
		writeJSONError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, rows)
}

func (s *Server) handleDeploymentLogs(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	filename := fmt.Sprintf("%d.zip", id)
	path := filepath.Join(s.Paths.Results, filename)
	if _, err := os.Stat(path); err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Disposition", "form-data; filename="+filename)
	http.ServeFile(w, r, path)
}

// handleDeployImage deploys one image, optionally pinned to a node. The body
// is a two-element array: the image name and a node or null.
func (s *Server) handleDeployImage(w http.ResponseWriter, r *http.Request) {
	var body [2]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	var imageName string
	if err := json.Unmarshal(body[0], &imageName); err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	var node *testbed.Node
	if len(body[1]) > 0 && string(body[1]) != "null" {
		node = &testbed.Node{}
		if err := json.Unmarshal(body[1], node); err != nil {
			writeJSONError(w, err, http.StatusBadRequest)
			return
		}
	}
	var deployErr error
	s.dispatch(func() {
		deployErr = s.Deployer.DeploySingleImage(r.Context(), imageName, node)
	})
	if deployErr != nil {
		slog.Error("deploy image failed", "image", imageName, "error", deployErr)
	}
	writeJSON(w, deployErr == nil)
}

func (s *Server) handleDeployFile(w http.ResponseWriter, r *http.Request) {
	var deployment testbed.Deployment
	if err := json.NewDecoder(r.Body).Decode(&deployment); err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	var deployErr error
	s.dispatch(func() {
		deployErr = s.Deployer.Deploy(r.Context(), &deployment)
	})
	if deployErr != nil {
		slog.Error("deploy failed", "deployment", deployment.Name, "error", deployErr)
	}
	writeJSON(w, deployErr == nil)
}

// handleUploadImage receives a multipart image upload and verifies its
// sha256 before it enters the image store; a mismatch deletes the upload and
// answers 409.
func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	checksum := r.PathValue("checksum")
	uploadDir := filepath.Join(os.TempDir(), "testbed-upload")
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		writeJSONError(w, err, http.StatusInternalServerError)
		return
	}
	staging := filepath.Join(uploadDir, name)
	var uploadErr error
	s.dispatch(func() {
		uploadErr = s.receiveUpload(r, staging, checksum, name)
	})
	if uploadErr != nil {
		os.Remove(staging)
		writeJSONError(w, uploadErr, http.StatusConflict)
		return
	}
	writeJSON(w, true)
}

func (s *Server) receiveUpload(r *http.Request, staging, checksum, name string) error {
	reader, err := r.MultipartReader()
	if err != nil {
		return err
	}
	hash := sha256.New()
	received := false
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if part.FormName() != "file" {
			continue
		}
		out, err := os.Create(staging)
		if err != nil {
			return err
		}
		_, err = io.Copy(io.MultiWriter(out, hash), part)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		received = true
	}
	if !received {
		return fmt.Errorf("upload %s carried no file", name)
	}
	if hex.EncodeToString(hash.Sum(nil)) != checksum {
		return fmt.Errorf("upload %s failed its checksum", name)
	}
	if err := os.MkdirAll(s.Paths.OSImages, 0o755); err != nil {
		return err
	}
	return moveFile(staging, filepath.Join(s.Paths.OSImages, name))
}

// moveFile renames, falling back to copy-and-remove when the staging area
// and the image store live on different filesystems.
func moveFile(source, target string) error {
	if err := os.Rename(source, target); err == nil {
		return nil
	}
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(source)
}

func (s *Server) handleDownloadImage(w http.ResponseWriter, r *http.Request) {
	filename := r.PathValue("name") + ".zip"
	path := filepath.Join(s.Paths.OSImages, filename)
	if _, err := os.Stat(path); err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Disposition", "form-data; filename="+filename)
	http.ServeFile(w, r, path)
}
