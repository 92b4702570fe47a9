package api

import (
	"time"

	"github.com/reedfamily/cs2instance/internal/store"
)

// LineSource fans out live server, update and system log lines.
type LineSource interface {
	Lines(buffer int, sources ...store.Source) (<-chan store.Line, func())
}

// liveLine frames a log line like a domain event so one socket can carry both.
type liveLine struct {
	Kind string     `json:"kind"`
	At   time.Time  `json:"at"`
	Data store.Line `json:"data"`
}

var lineKinds = map[store.Source]string{
	store.SourceServer: "ServerLog",
	store.SourceUpdate: "UpdateOrInstallLog",
	store.SourceSystem: "SystemLog",
}

func frameLine(l store.Line) liveLine {
	return liveLine{Kind: lineKinds[l.Source], At: l.At, Data: l}
}
