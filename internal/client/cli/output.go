package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dmitrijs2005/poskeeper/internal/client/client"
	"github.com/dmitrijs2005/poskeeper/internal/common"
	"github.com/dmitrijs2005/poskeeper/internal/rpcapi"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the terminal refused the operation
	ExitCommandError = 2 // bad usage or the terminal could not be reached
	ExitDenied       = 3 // authentication failed
)

// ExitError carries the process exit code for an error.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// GetExitCode picks the exit code for err.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch {
	case errors.Is(err, client.ErrUnavailable), errors.Is(err, client.ErrUnauthorized):
		return ExitCommandError
	case errors.Is(err, common.ErrInvalidCredentials),
		errors.Is(err, common.ErrCredentialExpired),
		errors.Is(err, common.ErrCredentialNotFound),
		errors.Is(err, common.ErrDecryptionFailed):
		return ExitDenied
	}
	return ExitFailure
}

// Formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

var ValidFormats = []string{FormatText, FormatJSON}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// Response is the JSON output of every command.
type Response struct {
	Status string        `json:"status"`
	Data   any           `json:"data,omitempty"`
	Error  *rpcapi.Error `json:"error,omitempty"`
}

// OutputFormatter renders results as tables or JSON.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Success writes data. text renders it through render.
func (f *OutputFormatter) Success(data any, render func(w io.Writer)) error {
	if f.Format == FormatJSON {
		return json.NewEncoder(f.Writer).Encode(Response{Status: "ok", Data: data})
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 0, 2, ' ', 0)
	render(tw)
	return tw.Flush()
}

// Error writes err in JSON mode; text mode leaves it to the caller.
func (f *OutputFormatter) Error(err error) error {
	if f.Format != FormatJSON {
		return nil
	}
	return json.NewEncoder(f.Writer).Encode(Response{Status: "error", Error: rpcapi.NewError(err)})
}

func ts(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func renderOrders(list []*rpcapi.Order) func(io.Writer) {
	return func(w io.Writer) {
		fmt.Fprintln(w, "ID\tLOCAL ID\tSTATUS\tATTEMPTS\tRETRIES\tSERVER ID\tUPDATED\tERROR")
		for _, o := range list {
			updated := o.UpdatedAt
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
				o.ID, o.LocalID, o.Status, o.Attempts, o.RetryCount,
				orNone(o.ServerID), ts(&updated), orNone(o.ErrorMessage))
		}
	}
}

func renderJobs(list []*rpcapi.PrintJob) func(io.Writer) {
	return func(w io.Writer) {
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPRINTER\tRETRIES\tPRINTED\tERROR")
		for _, j := range list {
			printer := j.PrinterID
			if printer == "" {
				printer = j.PrinterName
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				j.ID, j.JobType, j.Status, orNone(printer), j.RetryCount,
				ts(j.PrintedAt), orNone(j.ErrorMessage))
		}
	}
}

func renderStats(s *rpcapi.Stats) func(io.Writer) {
	return func(w io.Writer) {
		names := make([]string, 0, len(s.PerStatus))
		for name := range s.PerStatus {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "%s\t%d\n", name, s.PerStatus[name])
		}
		fmt.Fprintf(w, "total\t%d\n", s.Total)
	}
}

func renderAuth(r *rpcapi.AuthResult) func(io.Writer) {
	return func(w io.Writer) {
		who := r.Username
		if who == "" {
			who = "management"
		}
		if r.Role != "" {
			who += " (" + r.Role + ")"
		}
		fmt.Fprintf(w, "verified %s, %s\n", who, r.Mode)
	}
}

func renderStatus(s *rpcapi.Status) func(io.Writer) {
	return func(w io.Writer) {
		online := "offline"
		if s.Online {
			online = "online since " + ts(s.OnlineSince)
		}
		fmt.Fprintf(w, "store\t%s\n", s.StorePath)
		fmt.Fprintf(w, "encryption\t%s\n", s.EncryptionMode)
		fmt.Fprintf(w, "upstream\t%s\n", online)
		fmt.Fprintf(w, "orders\t%s\n", statsLine(s.Orders))
		fmt.Fprintf(w, "prints\t%s\n", statsLine(s.Prints))
		fmt.Fprintf(w, "audit\t%d total, %d unsynced\n", s.Audit.Total, s.Audit.Unsynced)
	}
}

func statsLine(s rpcapi.Stats) string {
	names := make([]string, 0, len(s.PerStatus))
	for name := range s.PerStatus {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, s.PerStatus[name]))
	}
	return fmt.Sprintf("%d (%s)", s.Total, strings.Join(parts, " "))
}
