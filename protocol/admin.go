package protocol

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/roadrunner-server/errors"
)

// Admin command names understood by the job server.
const (
	AdminStatus   = "status"
	AdminWorkers  = "workers"
	AdminJobs     = "jobs"
	AdminClients  = "clients"
	AdminMaxQueue = "maxqueue"
)

// EncodeAdminCommand renders a single-line admin command.
func EncodeAdminCommand(name string, args ...string) []byte {
	if len(args) == 0 {
		return []byte(name + "\n")
	}
	return []byte(name + " " + strings.Join(args, " ") + "\n")
}

// ReadAdminResponse collects response lines up to (excluding) the lone "."
// terminator. A leading "ERR" line is surfaced as an error.
func ReadAdminResponse(r *bufio.Reader) ([]string, error) {
	const op = errors.Op("protocol_read_admin_response")

	var rows []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, wrapE(op, err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "." {
			return rows, nil
		}
		if strings.HasPrefix(line, "ERR") {
			return nil, wrapE(op, errors.Str(line))
		}

		rows = append(rows, line)
	}
}

// ReadAdminOK consumes the single-line reply of commands like maxqueue,
// which answer "OK" instead of a dot-terminated table.
func ReadAdminOK(r *bufio.Reader) error {
	const op = errors.Op("protocol_read_admin_ok")

	line, err := r.ReadString('\n')
	if err != nil {
		return wrapE(op, err)
	}
	if line = strings.TrimRight(line, "\r\n"); line != "OK" {
		return wrapE(op, errors.Errorf("unexpected reply: %s", line))
	}
	return nil
}

// StatusLine is one row of the "status" report.
type StatusLine struct {
	Function string `json:"function"`
	Queued   uint64 `json:"queued"`
	Running  uint64 `json:"running"`
	Capable  uint64 `json:"capable"`
}

// ParseStatusLine parses "FUNCTION\tQUEUED\tRUNNING\tCAPABLE".
func ParseStatusLine(row string) (StatusLine, error) {
	const op = errors.Op("protocol_parse_status_line")

	cols := strings.Split(row, "\t")
	if len(cols) != 4 {
		return StatusLine{}, malformed(op, "expected 4 columns, got %d", len(cols))
	}

	st := StatusLine{Function: cols[0]}
	for i, dst := range []*uint64{&st.Queued, &st.Running, &st.Capable} {
		v, err := strconv.ParseUint(cols[i+1], 10, 64)
		if err != nil {
			return StatusLine{}, malformed(op, "%v", err)
		}
		*dst = v
	}
	return st, nil
}

// WorkerLine is one row of the "workers" report: a connected worker with the
// functions it registered.
type WorkerLine struct {
	FD        int      `json:"fd"`
	IP        string   `json:"ip"`
	ClientID  string   `json:"client_id"`
	Functions []string `json:"functions"`
}

// ParseWorkerLine parses "FD IP-ADDRESS CLIENT-ID : FUNCTION ...".
func ParseWorkerLine(row string) (WorkerLine, error) {
	const op = errors.Op("protocol_parse_worker_line")

	fields := strings.Fields(row)
	if len(fields) < 4 || fields[3] != ":" {
		return WorkerLine{}, malformed(op, "bad workers row: %q", row)
	}

	fd, err := strconv.Atoi(fields[0])
	if err != nil {
		return WorkerLine{}, malformed(op, "%v", err)
	}

	return WorkerLine{
		FD:        fd,
		IP:        fields[1],
		ClientID:  fields[2],
		Functions: fields[4:],
	}, nil
}

// JobLine is one row of the "jobs" report.
type JobLine struct {
	Function  string `json:"function"`
	Key       string `json:"key"`
	Address   string `json:"address"`
	Listeners uint64 `json:"listeners"`
}

// ParseJobLine parses "FUNCTION\tKEY\tADDRESS\tLISTENERS".
func ParseJobLine(row string) (JobLine, error) {
	const op = errors.Op("protocol_parse_job_line")

	cols := strings.Split(row, "\t")
	if len(cols) != 4 {
		return JobLine{}, malformed(op, "expected 4 columns, got %d", len(cols))
	}

	listeners, err := strconv.ParseUint(cols[3], 10, 64)
	if err != nil {
		return JobLine{}, malformed(op, "%v", err)
	}

	return JobLine{
		Function:  cols[0],
		Key:       cols[1],
		Address:   cols[2],
		Listeners: listeners,
	}, nil
}

// ClientJobLine is one job row of the "clients" report, attributed to the
// client id announced on the preceding header row.
type ClientJobLine struct {
	Function string `json:"function"`
	Key      string `json:"key"`
	Address  string `json:"address"`
}

// ParseClientsReport walks the "clients" rows: an untabbed row announces a
// client id, tabbed rows below it list that client's jobs. Clients with no
// outstanding jobs map to an empty inner map.
func ParseClientsReport(rows []string) (map[string]map[string]ClientJobLine, error) {
	const op = errors.Op("protocol_parse_clients_report")

	out := make(map[string]map[string]ClientJobLine)
	var current string
	for _, row := range rows {
		if !strings.Contains(row, "\t") {
			current = row
			if _, ok := out[current]; !ok {
				out[current] = make(map[string]ClientJobLine)
			}
			continue
		}

		if current == "" {
			return nil, malformed(op, "job row before any client id: %q", row)
		}

		cols := strings.Split(row, "\t")
		if len(cols) != 3 {
			return nil, malformed(op, "expected 3 columns, got %d", len(cols))
		}
		out[current][cols[0]] = ClientJobLine{
			Function: cols[0],
			Key:      cols[1],
			Address:  cols[2],
		}
	}

	return out, nil
}
