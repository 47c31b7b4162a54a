// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"osdburn/pkg/log"
	"osdburn/pkg/system"

	"github.com/gorilla/websocket"
)

const jsonContentType = "application/json"

// Errors.
var (
	ErrJobActive    = errors.New("a conversion job is already active")
	ErrNoJob        = errors.New("no active conversion job")
	ErrInvalidInput = errors.New("invalid input")
)

// ConvertRequest conversion request, paths are on the server.
type ConvertRequest struct {
	FontFiles []string `json:"fontFiles"`
	OSDFile   string   `json:"osdFile"`
	VideoFile string   `json:"videoFile"`
	Output    string   `json:"output"`
}

// Validate checks that every path is set and clean.
func (r ConvertRequest) Validate() error {
	switch {
	case r.VideoFile == "":
		return fmt.Errorf("%w: videoFile missing", ErrInvalidInput)
	case r.OSDFile == "":
		return fmt.Errorf("%w: osdFile missing", ErrInvalidInput)
	case r.Output == "":
		return fmt.Errorf("%w: output missing", ErrInvalidInput)
	case len(r.FontFiles) == 0:
		return fmt.Errorf("%w: fontFiles missing", ErrInvalidInput)
	case r.Output == r.VideoFile || r.Output == r.OSDFile:
		return fmt.Errorf("%w: output would overwrite an input", ErrInvalidInput)
	}
	paths := append([]string{r.VideoFile, r.OSDFile, r.Output}, r.FontFiles...)
	for _, p := range paths {
		if containsDotDot(p) {
			return fmt.Errorf("%w: %q", ErrInvalidInput, p)
		}
	}
	return nil
}

// ConvertResponse is returned when a job is started.
type ConvertResponse struct {
	Job string `json:"job"`
}

// Converter runs at most one conversion job at a time.
type Converter interface {
	// StartJob starts a job in the background and returns its id.
	StartJob(req ConvertRequest) (string, error)

	// CancelJob cancels the active job.
	CancelJob() error
}

// Convert starts a conversion job.
func Convert(c Converter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		var req ConvertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("could not decode request: %v", err), http.StatusBadRequest)
			return
		}
		if err := req.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		jobID, err := c.StartJob(req)
		switch {
		case errors.Is(err, ErrJobActive):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case errors.Is(err, ErrInvalidInput):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", jsonContentType)
		if err := json.NewEncoder(w).Encode(ConvertResponse{Job: jobID}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// Cancel cancels the active conversion job.
func Cancel(c Converter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		err := c.CancelJob()
		switch {
		case errors.Is(err, ErrNoJob):
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// Progress opens a websocket with job progress messages.
func Progress(hub *Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		upgrader := websocket.Upgrader{}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has replied to the client.
			return
		}
		defer c.Close()

		feed, cancel := hub.Subscribe()
		defer cancel()

		closed := readUntilClosed(c)
		for {
			select {
			case msg, ok := <-feed:
				if !ok {
					return
				}
				if err := c.WriteJSON(msg); err != nil {
					return
				}
			case <-closed:
				return
			}
		}
	})
}

// readUntilClosed discards client messages, the returned
// channel is closed when the connection fails.
func readUntilClosed(c *websocket.Conn) <-chan struct{} {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.NextReader(); err != nil {
				return
			}
		}
	}()
	return closed
}

// LogFeed opens a websocket with live logs.
func LogFeed(logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		q, err := parseLogQuery(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		upgrader := websocket.Upgrader{}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		feed, cancel := logger.Subscribe()
		defer cancel()

		closed := readUntilClosed(c)
		for {
			select {
			case entry, ok := <-feed:
				if !ok {
					return
				}
				if !q.Match(entry) {
					continue
				}
				if err := c.WriteJSON(entry); err != nil {
					return
				}
			case <-closed:
				return
			}
		}
	})
}

// LogQuery handles log queries.
func LogQuery(logDB *log.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()

		limit := query.Get("limit")
		if limit == "" {
			http.Error(w, "limit missing", http.StatusBadRequest)
			return
		}
		limitInt, err := strconv.Atoi(limit)
		if err != nil || limitInt < 0 {
			http.Error(w, fmt.Sprintf("invalid limit: %q", limit), http.StatusBadRequest)
			return
		}

		q, err := parseLogQuery(query)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		q.Limit = limitInt

		if time := query.Get("time"); time != "" {
			timeInt, err := strconv.ParseUint(time, 10, 64)
			if err != nil {
				http.Error(w, fmt.Sprintf("could not convert time to int: %v", err), http.StatusBadRequest)
				return
			}
			q.Time = log.UnixMicro(timeInt)
		}

		logs, err := logDB.Query(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", jsonContentType)
		if err := json.NewEncoder(w).Encode(logs); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// parseLogQuery parses the levels, sources and jobs filters.
func parseLogQuery(query url.Values) (log.Query, error) {
	var levels []log.Level
	for _, levelStr := range parseCSVParam(query, "levels") {
		level, ok := log.ParseLevel(levelStr)
		if !ok {
			levelInt, err := strconv.Atoi(levelStr)
			if err != nil {
				return log.Query{}, fmt.Errorf("invalid levels list: %v", query.Get("levels"))
			}
			level = log.Level(levelInt)
		}
		levels = append(levels, level)
	}
	return log.Query{
		Levels:  levels,
		Sources: parseCSVParam(query, "sources"),
		Jobs:    parseCSVParam(query, "jobs"),
	}, nil
}

func parseCSVParam(query url.Values, key string) []string {
	value := query.Get(key)
	if value == "" {
		return nil
	}
	return strings.Split(value, ",")
}

// StatusResponse host status.
type StatusResponse struct {
	System system.Status `json:"system"`
}

// Status returns host cpu and ram usage.
func Status(status func() system.Status) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", jsonContentType)
		if err := json.NewEncoder(w).Encode(StatusResponse{System: status()}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

func containsDotDot(v string) bool {
	if !strings.Contains(v, "..") {
		return false
	}
	for _, ent := range strings.FieldsFunc(v, isSlashRune) {
		if ent == ".." {
			return true
		}
	}
	return false
}

func isSlashRune(r rune) bool { return r == '/' || r == '\\' }
