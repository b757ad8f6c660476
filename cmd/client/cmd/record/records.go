package record

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"crmsync/internal/app/client"
	"crmsync/internal/domain/entity"
)

var RecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Work with local contacts, deals and tasks",
	Long: `Records are changed locally and queued for delivery; they reach the
server on the next sync.

Types: contact, deal, task.`,
}

func init() {
	RecordCmd.AddCommand(CreateCmd)
	RecordCmd.AddCommand(UpdateCmd)
	RecordCmd.AddCommand(DeleteCmd)
	RecordCmd.AddCommand(GetCmd)
	RecordCmd.AddCommand(ListCmd)
}

func parseType(raw string) (entity.Type, error) {
	t, err := entity.ParseType(raw)
	if err != nil {
		return "", fmt.Errorf("%w (use contact, deal or task)", err)
	}
	return t, nil
}

// readData takes the payload from --data, or from stdin when it is "-".
func readData(raw string) (json.RawMessage, error) {
	if raw == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = string(b)
	}
	if raw == "" {
		return nil, fmt.Errorf("--data is required")
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("--data is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func printRecord(rec *client.Record) {
	fmt.Printf("ID:       %s\n", rec.ID)
	fmt.Printf("Type:     %s\n", rec.Type)
	fmt.Printf("Version:  %d\n", rec.Version)
	fmt.Printf("Modified: %s\n", rec.LastModified.Local().Format("2006-01-02 15:04:05"))
	if rec.Dirty {
		fmt.Println("State:    pending sync")
	} else {
		fmt.Println("State:    synced")
	}
	fmt.Printf("Data:     %s\n", rec.Data)
}

func printTable(records []client.Record) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tMODIFIED\tSYNCED\tDATA")
	for _, rec := range records {
		synced := "yes"
		if rec.Dirty {
			synced = "no"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			rec.ID, rec.Version, rec.LastModified.Local().Format("2006-01-02 15:04"), synced, truncate(string(rec.Data), 60))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
