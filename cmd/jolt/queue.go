package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/joltapp/jolt-sync/internal/model"
	"github.com/joltapp/jolt-sync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Show changes waiting to reach the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, _, release, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer release()

		items := q.List()
		if asYAML, _ := cmd.Flags().GetBool("yaml"); asYAML {
			out, err := queueYAML(items)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		}

		if len(items) == 0 {
			fmt.Printf("%s Nothing queued\n", ui.RenderPass("✓"))
			return nil
		}
		fmt.Printf("%s %d pending change(s), oldest first\n\n", ui.RenderAccent("⇅"), len(items))
		for _, m := range items {
			line := fmt.Sprintf("  %-8s %-8s %s  %s", m.OperationType, m.EntityType,
				ui.ShortID(m.EntityKey()), ui.RenderMuted(m.CreatedAt.Local().Format("Jan 2 15:04")))
			if m.RetryCount > 0 {
				line += "  " + ui.RenderWarn(fmt.Sprintf("retried %d×", m.RetryCount))
			}
			fmt.Println(line)
			if m.LastError != nil {
				fmt.Printf("           %s\n", ui.RenderFail(*m.LastError))
			}
		}
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every queued change",
	Long: `Discard every queued change. Optimistic edits that were never sent are
lost; the next sync shows the server's state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, _, release, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer release()

		n := q.Len()
		if err := q.Clear(); err != nil {
			return err
		}
		fmt.Printf("%s Discarded %d queued change(s)\n", ui.RenderPass("✓"), n)
		return nil
	},
}

type queuedView struct {
	ID         string    `yaml:"id"`
	Operation  string    `yaml:"operation"`
	Entity     string    `yaml:"entity"`
	EntityID   string    `yaml:"entity_id,omitempty"`
	LocalID    string    `yaml:"local_id,omitempty"`
	CreatedAt  time.Time `yaml:"created_at"`
	RetryCount int       `yaml:"retry_count"`
	LastError  string    `yaml:"last_error,omitempty"`
	Payload    any       `yaml:"payload"`
}

// queueYAML renders the queue with payloads expanded into YAML mappings.
func queueYAML(items []model.QueuedMutation) ([]byte, error) {
	views := make([]queuedView, 0, len(items))
	for _, m := range items {
		v := queuedView{
			ID:         m.ID,
			Operation:  string(m.OperationType),
			Entity:     string(m.EntityType),
			CreatedAt:  m.CreatedAt,
			RetryCount: m.RetryCount,
		}
		if m.EntityID != nil {
			v.EntityID = *m.EntityID
		}
		if m.LocalID != nil {
			v.LocalID = *m.LocalID
		}
		if m.LastError != nil {
			v.LastError = *m.LastError
		}
		if err := json.Unmarshal(m.Payload, &v.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of %s: %w", m.ID, err)
		}
		views = append(views, v)
	}
	return yaml.Marshal(views)
}

func init() {
	queueCmd.Flags().Bool("yaml", false, "print the raw queue as YAML")
	queueCmd.AddCommand(queueClearCmd)
	rootCmd.AddCommand(queueCmd)
}
