package postgres

import (
	"encoding/json"
	"fmt"
	"io/fs"

	"github.com/companion-dev/companion/internal/domain/sandbox"
)

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (sandbox.Record, error) {
	var (
		rec   sandbox.Record
		state string
		ports []byte
	)
	err := row.Scan(
		&rec.SessionID,
		&rec.Info.ContainerID,
		&rec.Info.Name,
		&rec.Info.Image,
		&state,
		&rec.Info.HostCwd,
		&rec.Info.ContainerCwd,
		&ports,
		&rec.Info.CreatedAt,
	)
	if err != nil {
		return sandbox.Record{}, err
	}
	rec.Info.State = sandbox.State(state)
	if err := json.Unmarshal(ports, &rec.Info.PortMappings); err != nil {
		return sandbox.Record{}, fmt.Errorf("decode port mappings for %s: %w", rec.SessionID, err)
	}
	return rec, nil
}

// portsJSON encodes port mappings, rendering nil as an empty array.
func portsJSON(pm []sandbox.PortMapping) ([]byte, error) {
	if pm == nil {
		pm = []sandbox.PortMapping{}
	}
	return json.Marshal(pm)
}

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
