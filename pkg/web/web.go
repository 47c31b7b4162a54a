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

// Package web serves the conversion API.
package web

import (
	"net/http"

	"osdburn/pkg/log"
	"osdburn/pkg/system"
)

// Routes dependencies, nil fields disable their routes.
type Routes struct {
	Converter Converter
	Hub       *Hub
	Logger    *log.Logger
	LogDB     *log.DB
	Status    func() system.Status
}

// NewMux returns the api routes.
func NewMux(r Routes) *http.ServeMux {
	mux := http.NewServeMux()

	if r.Converter != nil {
		mux.Handle("/api/convert", Convert(r.Converter))
		mux.Handle("/api/convert/cancel", Cancel(r.Converter))
	}
	if r.Hub != nil {
		mux.Handle("/api/progress", Progress(r.Hub))
	}
	if r.Logger != nil {
		mux.Handle("/api/log/feed", LogFeed(r.Logger))
	}
	if r.LogDB != nil {
		mux.Handle("/api/log/query", LogQuery(r.LogDB))
	}
	if r.Status != nil {
		mux.Handle("/api/system/status", Status(r.Status))
	}
	return mux
}
