package controller

import (
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	odoov1 "github.com/cybozu-go/odoo-operator/api/v1"
	"github.com/cybozu-go/odoo-operator/internal/controller"
	"github.com/cybozu-go/odoo-operator/internal/dbadmin"
	"github.com/cybozu-go/odoo-operator/internal/neutralize"
	//+kubebuilder:scaffold:imports
)

var ControllerCmd = &cobra.Command{
	Use: "controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		return subMain()
	},
}

var (
	metricsAddr          string
	enableLeaderElection bool
	probeAddr            string
	zapOpts              zap.Options

	release         string
	dbHost          string
	dbPort          int
	dbAdminUser     string
	dbAdminDatabase string
	dbSSLMode       string

	gitImage                  string
	mcImage                   string
	cronJobServiceAccountName string
	cronJobImage              string
	overwriteSchedule         string

	neutralizePolicyPath string
	sweepInterval        time.Duration

	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	flags := ControllerCmd.Flags()
	flags.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flags.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flags.BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	flags.StringVar(&release, "release", "odoo",
		"Release name of this operator deployment. Part of every role and database name, so several "+
			"operator deployments can share one PostgreSQL cluster.")
	flags.StringVar(&dbHost, "db-host", "", "Host of the shared PostgreSQL cluster. (required)")
	flags.IntVar(&dbPort, "db-port", 5432, "Port of the shared PostgreSQL cluster.")
	flags.StringVar(&dbAdminUser, "db-admin-user", "postgres",
		"Administrative role used to create and drop instance roles and databases.")
	flags.StringVar(&dbAdminDatabase, "db-admin-database", "postgres",
		"Maintenance database the administrative pool connects to.")
	flags.StringVar(&dbSSLMode, "db-sslmode", "prefer", "sslmode of the administrative connection.")
	flags.StringVar(&gitImage, "git-image", "alpine/git:2.43.0", "Image used by the addon-sync init containers.")
	flags.StringVar(&mcImage, "mc-image", "quay.io/minio/mc:latest",
		"Image used by the archive upload and download steps of worker jobs.")
	flags.StringVar(&cronJobServiceAccountName, "cronjob-service-account", "odoo-operator-backup",
		"ServiceAccount of the CronJobs created for OdooBackupSchedules.")
	flags.StringVar(&cronJobImage, "cronjob-image", "",
		"Image of the CronJobs created for OdooBackupSchedules. Usually this operator's own image. (required)")
	flags.StringVar(&overwriteSchedule, "overwrite-schedule", "",
		"By setting this option, every CronJob created by this controller for every OdooBackupSchedule "+
			"will use its value as .spec.schedule. This option is intended for testing purposes only.")
	flags.StringVar(&neutralizePolicyPath, "neutralize-policy", "",
		"Path of a YAML file overriding the built-in neutralization policy applied after restores.")
	flags.DurationVar(&sweepInterval, "stale-role-sweep-interval", 1*time.Hour,
		"Interval of the sweep that drops database roles whose OdooInstance no longer exists.")

	goflags := flag.NewFlagSet("goflags", flag.ExitOnError)
	zapOpts.Development = true
	zapOpts.BindFlags(goflags)
	flags.AddGoFlagSet(goflags)

	utilruntime.Must(clientgoscheme.AddToScheme(scheme))

	utilruntime.Must(odoov1.AddToScheme(scheme))
	//+kubebuilder:scaffold:scheme
}

func subMain() error {
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))

	if dbHost == "" {
		err := errors.New("--db-host must be specified")
		setupLog.Error(err, "invalid command line arguments")
		return err
	}
	if cronJobImage == "" {
		err := errors.New("--cronjob-image must be specified")
		setupLog.Error(err, "invalid command line arguments")
		return err
	}
	dbAdminPassword := os.Getenv("ODOO_DB_ADMIN_PASSWORD")
	if dbAdminPassword == "" {
		err := errors.New("ODOO_DB_ADMIN_PASSWORD is empty")
		setupLog.Error(err, "ODOO_DB_ADMIN_PASSWORD is empty")
		return err
	}
	podNamespace := os.Getenv("POD_NAMESPACE")
	if podNamespace == "" {
		err := errors.New("POD_NAMESPACE is empty")
		setupLog.Error(err, "POD_NAMESPACE is empty")
		return err
	}

	policy := neutralize.DefaultPolicy()
	if neutralizePolicyPath != "" {
		loaded, err := neutralize.LoadPolicy(neutralizePolicyPath)
		if err != nil {
			setupLog.Error(err, "unable to load the neutralize policy", "path", neutralizePolicyPath)
			return err
		}
		policy = loaded
	}

	dbAdmin, err := dbadmin.NewDBAdmin(dbadmin.Config{
		Host:     dbHost,
		Port:     dbPort,
		User:     dbAdminUser,
		Password: dbAdminPassword,
		Database: dbAdminDatabase,
		SSLMode:  dbSSLMode,
	})
	if err != nil {
		setupLog.Error(err, "unable to open the administrative connection pool")
		return err
	}
	defer func() {
		_ = dbAdmin.Close()
	}()

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: metricsAddr},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "4f1e52a0.odoo.cybozu.io",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		return err
	}

	defaults := controller.OperatorDefaults{
		Release:  release,
		DBHost:   dbHost,
		DBPort:   dbPort,
		GitImage: gitImage,
		MCImage:  mcImage,
	}
	locks := controller.NewJobLocks()

	if err = controller.NewOdooInstanceReconciler(
		mgr.GetClient(),
		mgr.GetScheme(),
		dbAdmin,
		defaults,
	).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "OdooInstance")
		return err
	}
	if err = controller.NewOdooBackupJobReconciler(
		mgr.GetClient(),
		mgr.GetScheme(),
		locks,
		controller.DefaultBucketFactory,
		defaults,
	).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "OdooBackupJob")
		return err
	}
	if err = controller.NewOdooRestoreJobReconciler(
		mgr.GetClient(),
		mgr.GetScheme(),
		locks,
		controller.DefaultBucketFactory,
		dbAdmin,
		policy,
		defaults,
	).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "OdooRestoreJob")
		return err
	}
	if err = controller.NewOdooBackupScheduleReconciler(
		mgr.GetClient(),
		mgr.GetScheme(),
		podNamespace,
		cronJobServiceAccountName,
		cronJobImage,
		overwriteSchedule,
	).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "OdooBackupSchedule")
		return err
	}
	//+kubebuilder:scaffold:builder

	if err := mgr.Add(controller.NewStaleRoleSweeper(mgr.GetClient(), dbAdmin, release, sweepInterval)); err != nil {
		setupLog.Error(err, "unable to add the stale role sweeper")
		return err
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		return err
	}
	if err := mgr.AddReadyzCheck("readyz", func(req *http.Request) error {
		return dbAdmin.Ping(req.Context())
	}); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		return err
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		return err
	}

	return nil
}
