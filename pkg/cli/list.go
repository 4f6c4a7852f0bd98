package cli

import (
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/util/duration"
	"sigs.k8s.io/controller-runtime/pkg/client"

	miniv1 "github.com/kubeflow-mini/kubeflow-mini/api/v1"
)

// NewListCmd returns the list subcommand.
func NewListCmd() *cobra.Command {
	var namespace, status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List MLJobs",
		Long:  "Lists MLJobs across the cluster or one namespace, optionally filtered by phase.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}

			list := &miniv1.MLJobList{}
			var opts []client.ListOption
			if namespace != "" {
				opts = append(opts, client.InNamespace(namespace))
			}
			if err := c.List(cmd.Context(), list, opts...); err != nil {
				return err
			}

			jobs := list.Items
			if status != "" {
				jobs = lo.Filter(jobs, func(j miniv1.MLJob, _ int) bool {
					return string(j.Status.Phase) == status
				})
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Namespace", "Name", "Job ID", "Project", "Owner", "Kind", "Phase", "Age"})
			for _, j := range jobs {
				table.Append([]string{
					j.Namespace,
					j.Name,
					j.Spec.JobID,
					j.Spec.ProjectRef,
					j.Spec.OwnerRef,
					j.Spec.Training.Kind,
					string(j.Status.Phase),
					duration.HumanDuration(time.Since(j.CreationTimestamp.Time)),
				})
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", "", "Limit the listing to one namespace.")
	cmd.Flags().StringVar(&status, "status", "", "Only show jobs in the given phase.")
	return cmd
}
