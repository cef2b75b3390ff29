package main

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"visioner-rules/executor/config"
	"visioner-rules/executor/observability"
)

var rootCmd = &cobra.Command{
	Use:          "contract-server",
	Short:        "Serves rule-element content packs with a discovery document.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		dir, _ := flags.GetString("dir")
		addr, _ := flags.GetString("addr")
		service, _ := flags.GetString("service")
		domain, _ := flags.GetString("domain")
		level, _ := flags.GetString("log-level")

		observability.InitializeLogger(config.LoggerConfig{Level: level, Format: "console", ServiceName: "contract-server"})
		defer observability.Sync()
		logger := observability.GetLogger()

		srv := &contentServer{dir: dir, service: service, domain: domain, logger: logger}
		httpSrv := &http.Server{Addr: addr, Handler: srv.routes(), ReadHeaderTimeout: 10 * time.Second}
		logger.Info("Contract server listening", zap.String("addr", addr), zap.String("dir", dir), zap.String("domain", domain))
		return httpSrv.ListenAndServe()
	},
}

func init() {
	f := rootCmd.Flags()
	f.String("dir", "./content", "Directory of rule-element packs")
	f.String("addr", ":26861", "Listen address")
	f.String("service", "visioner", "Service name")
	f.String("domain", "visioner", "Domain subdirectory to serve")
	f.String("log-level", "info", "Log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type contentServer struct {
	dir     string
	service string
	domain  string
	logger  *zap.Logger
}

func (s *contentServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/visioner", s.handleDiscovery)
	mux.HandleFunc("GET /packs/", s.handleFile)
	return mux
}

func (s *contentServer) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	files, etag, err := s.listFiles()
	if err != nil {
		s.logger.Error("list packs", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	disc := map[string]any{
		"version":      "1.0",
		"service":      s.service,
		"description":  fmt.Sprintf("%s rule-element packs", s.service),
		"catalog_etag": etag,
		"packs": map[string]any{
			"files": files,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(disc); err != nil {
		s.logger.Warn("encode discovery", zap.Error(err))
	}
}

func (s *contentServer) handleFile(w http.ResponseWriter, r *http.Request) {
	// Strip /packs/ prefix and resolve to filesystem path.
	rel := strings.TrimPrefix(r.URL.Path, "/packs/")
	root := filepath.Clean(s.dir)
	abs := filepath.Join(root, filepath.FromSlash(rel))

	// Prevent path traversal.
	if within, err := filepath.Rel(root, abs); err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if !isPack(abs) {
		http.NotFound(w, r)
		return
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			http.NotFound(w, r)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	contentType := "text/x-cue"
	if filepath.Ext(abs) == ".json" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=60")
	_, _ = w.Write(data)
}

func isPack(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".cue" || ext == ".json"
}

// listFiles returns the /packs/... URLs for all .cue and .json files in the
// domain subdirectory, along with a content-based ETag.
func (s *contentServer) listFiles() ([]string, string, error) {
	domainDir := filepath.Join(s.dir, s.domain)
	h := sha256.New()
	var files []string

	err := filepath.WalkDir(domainDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPack(path) {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		// renaming a file changes the etag too
		h.Write([]byte(filepath.ToSlash(rel)))
		h.Write(data)

		files = append(files, "/packs/"+filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	etag := fmt.Sprintf("%x", h.Sum(nil))[:12]
	return files, etag, nil
}
