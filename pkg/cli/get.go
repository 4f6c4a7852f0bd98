package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/types"

	miniv1 "github.com/kubeflow-mini/kubeflow-mini/api/v1"
)

// NewGetCmd returns the get subcommand.
func NewGetCmd() *cobra.Command {
	var showTraining bool

	cmd := &cobra.Command{
		Use:   "get <name> <namespace>",
		Short: "Show one MLJob",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, namespace := args[0], args[1]

			c, err := newClient()
			if err != nil {
				return err
			}

			job := &miniv1.MLJob{}
			if err := c.Get(cmd.Context(), types.NamespacedName{Namespace: namespace, Name: name}, job); err != nil {
				return err
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Field", "Value"})
			table.Append([]string{"Name", job.Name})
			table.Append([]string{"Namespace", job.Namespace})
			table.Append([]string{"Job ID", job.Spec.JobID})
			table.Append([]string{"Project", job.Spec.ProjectRef})
			table.Append([]string{"Owner", job.Spec.OwnerRef})
			table.Append([]string{"Training Kind", fmt.Sprintf("%s/%s", job.Spec.Training.APIVersion, job.Spec.Training.Kind)})
			table.Append([]string{"Phase", string(job.Status.Phase)})
			if job.Status.StartTime != nil {
				table.Append([]string{"Started", job.Status.StartTime.String()})
			}
			if job.Status.CompletionTime != nil {
				table.Append([]string{"Completed", job.Status.CompletionTime.String()})
			}
			for _, cond := range job.Status.Conditions {
				table.Append([]string{"Condition " + cond.Type,
					fmt.Sprintf("%s (%s) %s", cond.Status, cond.Reason, cond.Message)})
			}
			table.Render()

			if showTraining {
				var pretty json.RawMessage = job.Spec.Training.Spec.Raw
				out, err := json.MarshalIndent(pretty, "", "  ")
				if err != nil {
					return fmt.Errorf("rendering training payload: %w", err)
				}
				fmt.Fprintf(os.Stdout, "\nTraining payload:\n%s\n", out)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showTraining, "show-training", false, "Print the opaque training payload.")
	return cmd
}
