package prints

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/poskeeper/internal/filex"
)

const defaultPrinter = "default"

var printerNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// SpoolDriver writes each payload to <dir>/<printer>/<uuid>.bin for an
// external print service to pick up. It stands in for a real printer
// driver on terminals without one.
type SpoolDriver struct {
	dir string
}

func NewSpoolDriver(dir string) *SpoolDriver {
	return &SpoolDriver{dir: dir}
}

func (d *SpoolDriver) Dispatch(ctx context.Context, payload json.RawMessage, printerName string) DispatchResult {
	if err := ctx.Err(); err != nil {
		return DispatchResult{Error: err.Error()}
	}
	if printerName == "" {
		printerName = defaultPrinter
	}
	if !printerNameRe.MatchString(printerName) {
		return DispatchResult{Error: fmt.Sprintf("invalid printer name %q", printerName)}
	}

	dir, err := filex.EnsureSubdDir(d.dir, printerName)
	if err != nil {
		return DispatchResult{Error: err.Error()}
	}
	name := uuid.NewString() + ".bin"
	if err := filex.WriteFileAtomic(filepath.Join(dir, name), payload, 0o640); err != nil {
		return DispatchResult{Error: err.Error()}
	}
	return DispatchResult{Success: true, PrinterID: "spool:" + printerName}
}
