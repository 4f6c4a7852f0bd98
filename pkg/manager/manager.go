package manager

import (
	"fmt"
	"os"

	k8sruntime "k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/metrics/server"

	miniv1 "github.com/kubeflow-mini/kubeflow-mini/api/v1"
	"github.com/kubeflow-mini/kubeflow-mini/internal/controller"
	"github.com/kubeflow-mini/kubeflow-mini/internal/lease"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/config"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/events"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/metrics"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/probes"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/quota"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/retry"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/training"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/workload"
)

var setupLog = ctrl.Log.WithName("setup.manager")

// InitScheme initializes the runtime scheme
func InitScheme() *k8sruntime.Scheme {
	scheme := k8sruntime.NewScheme()

	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(miniv1.AddToScheme(scheme))
	// +kubebuilder:scaffold:scheme

	return scheme
}

// SetupManager creates and configures a controller manager
func SetupManager(cfg *config.Config, scheme *k8sruntime.Scheme) (ctrl.Manager, error) {
	metricsOpts := server.Options{BindAddress: "0"}
	if cfg.MetricsEnable {
		metricsOpts.BindAddress = fmt.Sprintf(":%d", cfg.MetricsPort)
		metrics.RegisterMetrics()
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                  scheme,
		Metrics:                 metricsOpts,
		HealthProbeBindAddress:  cfg.ProbeAddr,
		LeaderElection:          cfg.EnableLeaderElection,
		LeaderElectionID:        "kubeflow-mini.io",
		LeaderElectionNamespace: cfg.LeaderElectionNamespace,
	})
	if err != nil {
		return nil, err
	}

	if err := probes.SetupChecks(mgr); err != nil {
		return nil, err
	}

	return mgr, nil
}

// SetupControllers sets up all controllers and the lease sweeper with
// the manager.
func SetupControllers(mgr ctrl.Manager, cfg *config.Config) error {
	engine := retry.NewEngine(cfg.RetryConfig())
	tracker := quota.NewTracker(mgr.GetClient(), engine)
	recorder := events.NewRecorder(mgr.GetEventRecorderFor("kubeflow-mini"))
	trainingClient := training.NewClient(mgr.GetClient(), mgr.GetScheme())
	workloadManager := workload.NewManager(mgr.GetClient(), mgr.GetScheme())

	trainingGVKs, err := cfg.TrainingGVKs()
	if err != nil {
		return err
	}

	if err := (&controller.ProjectReconciler{
		Client:       mgr.GetClient(),
		Scheme:       mgr.GetScheme(),
		HistoryLimit: cfg.ConditionHistoryLimit,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Project")
		return err
	}

	if err := (&controller.OwnerReconciler{
		Client:       mgr.GetClient(),
		Scheme:       mgr.GetScheme(),
		HistoryLimit: cfg.ConditionHistoryLimit,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Owner")
		return err
	}

	if err := (&controller.MLJobReconciler{
		Client:       mgr.GetClient(),
		Scheme:       mgr.GetScheme(),
		Quota:        tracker,
		Training:     trainingClient,
		Retry:        engine,
		Recorder:     recorder,
		TrainingGVKs: trainingGVKs,
		HistoryLimit: cfg.ConditionHistoryLimit,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "MLJob")
		return err
	}

	if err := (&controller.NotebookReconciler{
		Client:       mgr.GetClient(),
		Scheme:       mgr.GetScheme(),
		Quota:        tracker,
		Workload:     workloadManager,
		Retry:        engine,
		Recorder:     recorder,
		HistoryLimit: cfg.ConditionHistoryLimit,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Notebook")
		return err
	}

	sweeper := &lease.Sweeper{
		Client:       mgr.GetClient(),
		Workload:     workloadManager,
		Recorder:     recorder,
		Interval:     cfg.LeaseCheckInterval,
		HistoryLimit: cfg.ConditionHistoryLimit,
	}
	if err := mgr.Add(sweeper); err != nil {
		setupLog.Error(err, "unable to add lease sweeper")
		return err
	}
	// +kubebuilder:scaffold:builder

	return nil
}

// Start starts the manager with graceful shutdown
func Start(mgr ctrl.Manager) {
	setupLog.Info("starting manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}
