package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/runtime/schema"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/kubeflow-mini/kubeflow-mini/pkg/retry"
)

var setupLog = logf.Log.WithName("setup.config")

// Config holds the controller configuration
type Config struct {
	MetricsEnable               bool
	MetricsPort                 int
	EnableLeaderElection        bool
	LeaderElectionLeaseDuration int
	LeaderElectionNamespace     string
	LeaderElectionRenewDeadline int
	LeaderElectionRetryPeriod   int
	LogFormat                   string
	LogLevel                    string
	OwnNamespace                string
	ProbeAddr                   string
	APIAddr                     string
	APIEnable                   bool

	// Lease configuration
	LeaseCheckInterval    time.Duration
	ConditionHistoryLimit int

	// TrainingJobKinds lists the external training-job kinds to watch,
	// as group/version/Kind triples.
	TrainingJobKinds []string

	// Retry configuration per operation class
	RetryCreateMaxRetries   int
	RetryCreateInitialDelay time.Duration
	RetryUpdateMaxRetries   int
	RetryUpdateInitialDelay time.Duration
	RetryDeleteMaxRetries   int
	RetryDeleteInitialDelay time.Duration
	RetryGetMaxRetries      int
	RetryGetInitialDelay    time.Duration
}

// setDefaults configures the default values for configuration parameters
func setDefaults() {
	viper.SetDefault("metrics-enable", true)
	viper.SetDefault("metrics-port", 8443)
	viper.SetDefault("health-probe-bind-address", ":8081")
	viper.SetDefault("api-enable", true)
	viper.SetDefault("api-bind-address", ":8082")
	viper.SetDefault("leader-elect", false)
	viper.SetDefault("leader-election-lease-duration", 15)
	viper.SetDefault("leader-election-renew-deadline", 10)
	viper.SetDefault("leader-election-retry-period", 2)
	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-format", "json")
	viper.SetDefault("lease-check-interval", "300s")
	viper.SetDefault("condition-history-limit", 8)
	viper.SetDefault("training-job-kinds", "kubeflow.org/v1/TFJob,kubeflow.org/v1/PyTorchJob")
	viper.SetDefault("retry-create-max-retries", 3)
	viper.SetDefault("retry-create-initial-delay", "2s")
	viper.SetDefault("retry-update-max-retries", 3)
	viper.SetDefault("retry-update-initial-delay", "2s")
	viper.SetDefault("retry-delete-max-retries", 5)
	viper.SetDefault("retry-delete-initial-delay", "1s")
	viper.SetDefault("retry-get-max-retries", 3)
	viper.SetDefault("retry-get-initial-delay", "1s")
}

// InitConfig initializes viper configuration with environment variables support
func InitConfig() *Config {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// Define defaults
	setDefaults()

	var kinds []string
	if v := viper.GetString("training-job-kinds"); v != "" {
		for _, k := range strings.Split(v, ",") {
			k = strings.TrimSpace(k)
			if k != "" {
				kinds = append(kinds, k)
			}
		}
	}

	return &Config{
		MetricsEnable:               viper.GetBool("metrics-enable"),
		MetricsPort:                 viper.GetInt("metrics-port"),
		EnableLeaderElection:        viper.GetBool("leader-elect"),
		LeaderElectionLeaseDuration: viper.GetInt("leader-election-lease-duration"),
		LeaderElectionNamespace:     viper.GetString("leader-election-namespace"),
		LeaderElectionRenewDeadline: viper.GetInt("leader-election-renew-deadline"),
		LeaderElectionRetryPeriod:   viper.GetInt("leader-election-retry-period"),
		LogFormat:                   viper.GetString("log-format"),
		LogLevel:                    viper.GetString("log-level"),
		OwnNamespace:                os.Getenv("POD_NAMESPACE"),
		ProbeAddr:                   viper.GetString("health-probe-bind-address"),
		APIAddr:                     viper.GetString("api-bind-address"),
		APIEnable:                   viper.GetBool("api-enable"),
		LeaseCheckInterval:          viper.GetDuration("lease-check-interval"),
		ConditionHistoryLimit:       viper.GetInt("condition-history-limit"),
		TrainingJobKinds:            kinds,
		RetryCreateMaxRetries:       viper.GetInt("retry-create-max-retries"),
		RetryCreateInitialDelay:     viper.GetDuration("retry-create-initial-delay"),
		RetryUpdateMaxRetries:       viper.GetInt("retry-update-max-retries"),
		RetryUpdateInitialDelay:     viper.GetDuration("retry-update-initial-delay"),
		RetryDeleteMaxRetries:       viper.GetInt("retry-delete-max-retries"),
		RetryDeleteInitialDelay:     viper.GetDuration("retry-delete-initial-delay"),
		RetryGetMaxRetries:          viper.GetInt("retry-get-max-retries"),
		RetryGetInitialDelay:        viper.GetDuration("retry-get-initial-delay"),
	}
}

// RetryConfig folds the per-class flags into a retry configuration.
func (c *Config) RetryConfig() retry.Config {
	return retry.Config{
		retry.OpCreate: {MaxRetries: c.RetryCreateMaxRetries, InitialDelay: c.RetryCreateInitialDelay},
		retry.OpUpdate: {MaxRetries: c.RetryUpdateMaxRetries, InitialDelay: c.RetryUpdateInitialDelay},
		retry.OpDelete: {MaxRetries: c.RetryDeleteMaxRetries, InitialDelay: c.RetryDeleteInitialDelay},
		retry.OpGet:    {MaxRetries: c.RetryGetMaxRetries, InitialDelay: c.RetryGetInitialDelay},
	}
}

// TrainingGVKs parses the configured training-job kinds. Malformed
// entries fail startup rather than being silently dropped.
func (c *Config) TrainingGVKs() ([]schema.GroupVersionKind, error) {
	gvks := make([]schema.GroupVersionKind, 0, len(c.TrainingJobKinds))
	for _, entry := range c.TrainingJobKinds {
		parts := strings.Split(entry, "/")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("invalid training-job kind %q: expected group/version/Kind", entry)
		}
		gvks = append(gvks, schema.GroupVersionKind{Group: parts[0], Version: parts[1], Kind: parts[2]})
	}
	return gvks, nil
}

// SetupFlags binds cobra flags to viper
func SetupFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("metrics-enable", true, "Enable the metrics server.")
	cmd.Flags().Int("metrics-port", 8443, "The port the metrics server listens on.")
	cmd.Flags().String("health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	cmd.Flags().Bool("api-enable", true, "Enable the read-only projection API server.")
	cmd.Flags().String("api-bind-address", ":8082", "The address the projection API server binds to.")
	cmd.Flags().Bool("leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	cmd.Flags().String("leader-election-namespace", "",
		"Namespace to use for leader election. If empty, uses the controller's namespace.")
	cmd.Flags().Int("leader-election-lease-duration", 15,
		"Duration in seconds that non-leader candidates will wait to force acquire leadership.")
	cmd.Flags().Int("leader-election-renew-deadline", 10,
		"Duration in seconds the leader will retry refreshing leadership before giving up.")
	cmd.Flags().Int("leader-election-retry-period", 2,
		"Duration in seconds the leader election clients should wait between tries of actions.")
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().String("log-format", "json", "Log format (json or console)")
	cmd.Flags().Duration("lease-check-interval", 300*time.Second,
		"Interval between notebook lease expiry sweeps.")
	cmd.Flags().Int("condition-history-limit", 8,
		"Maximum number of distinct condition types retained per resource.")
	cmd.Flags().String(
		"training-job-kinds",
		"kubeflow.org/v1/TFJob,kubeflow.org/v1/PyTorchJob",
		"Comma-separated list of external training-job kinds to watch, as group/version/Kind.",
	)
	cmd.Flags().Int("retry-create-max-retries", 3, "Retry budget for create operations.")
	cmd.Flags().Duration("retry-create-initial-delay", 2*time.Second, "Initial retry delay for create operations.")
	cmd.Flags().Int("retry-update-max-retries", 3, "Retry budget for update operations.")
	cmd.Flags().Duration("retry-update-initial-delay", 2*time.Second, "Initial retry delay for update operations.")
	cmd.Flags().Int("retry-delete-max-retries", 5, "Retry budget for delete operations.")
	cmd.Flags().Duration("retry-delete-initial-delay", time.Second, "Initial retry delay for delete operations.")
	cmd.Flags().Int("retry-get-max-retries", 3, "Retry budget for get operations.")
	cmd.Flags().Duration("retry-get-initial-delay", time.Second, "Initial retry delay for get operations.")

	// Bind flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		setupLog.Error(err, "unable to bind flags to viper")
		os.Exit(1)
	}
}
