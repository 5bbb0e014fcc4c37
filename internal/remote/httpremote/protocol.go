// Package httpremote exposes a remote.Backend over HTTP and provides the
// matching client.
//
// Routes:
//
//	GET    /health
//	GET    /v1/account                      account status
//	GET    /v1/changes?cursor=&page_token=&limit=
//	POST   /v1/records                      batch upsert
//	DELETE /v1/records/{id}
//	GET    /v1/subscribe                    websocket, one text frame per change
//
// Errors are JSON bodies carrying an error_code from the remote package so
// that clients can recover the sentinel errors. An expired cursor is
// reported with status 410 Gone.
package httpremote

import (
	"github.com/rapportapp/rapport/internal/remote"
	"github.com/rapportapp/rapport/internal/wire"
)

type accountResponse struct {
	Status remote.AccountStatus `json:"status"`
}

type changesResponse struct {
	Changed       []wire.Record `json:"changed"`
	Deleted       []string      `json:"deleted"`
	NextPageToken string        `json:"next_page_token,omitempty"`
	MoreComing    bool          `json:"more_coming"`
	Cursor        string        `json:"cursor,omitempty"`
}

type upsertRequest struct {
	Records []wire.Record `json:"records"`
}

type recordResult struct {
	ID        string `json:"id"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

type upsertResponse struct {
	Results []recordResult `json:"results"`
}

type errorResponse struct {
	ErrorCode string `json:"error_code"`
	Error     string `json:"error"`
}

// Websocket frames. readyMessage is sent once after registration and
// changeMessage on every change.
const (
	readyMessage  = "ready"
	changeMessage = "changed"
)
