package backupandrotate

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/kube-openapi/pkg/validation/strfmt"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/config"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	odoov1 "github.com/cybozu-go/odoo-operator/api/v1"
	"github.com/cybozu-go/odoo-operator/cmd/backup"
	"github.com/cybozu-go/odoo-operator/internal/controller"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

var (
	scheduleName, scheduleNamespace string
	expireOffset                    string
	zapOpts                         zap.Options

	scheme             = runtime.NewScheme()
	logger logr.Logger = ctrl.Log.WithName("backup-and-rotate")

	BackupAndRotateCmd = &cobra.Command{
		Use: "backup-and-rotate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return subMain(cmd.Context())
		},
	}
)

func init() {
	flags := BackupAndRotateCmd.Flags()
	flags.StringVar(&scheduleName, "name", "", "OdooBackupSchedule resource's name")
	flags.StringVar(&scheduleNamespace, "namespace", "", "OdooBackupSchedule resource's namespace")
	flags.StringVar(&expireOffset, "expire-offset", "0s",
		"An offset for OdooBackupSchedule's .spec.expire field. An OdooBackupJob will expire after "+
			"it has been finished for (.spec.expire - expire-offset) time. This option is intended for testing purposes only.")

	goflags := flag.NewFlagSet("goflags", flag.ExitOnError)
	zapOpts.Development = true
	zapOpts.BindFlags(goflags)
	flags.AddGoFlagSet(goflags)

	utilruntime.Must(clientgoscheme.AddToScheme(scheme))

	utilruntime.Must(odoov1.AddToScheme(scheme))
	//+kubebuilder:scaffold:scheme
}

func subMain(ctx context.Context) error {
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))

	parsedExpireOffset, err := strfmt.ParseDuration(expireOffset)
	if err != nil {
		return fmt.Errorf("couldn't parse the expire offset: %w", err)
	}

	cli, err := client.New(config.GetConfigOrDie(), client.Options{Scheme: scheme})
	if err != nil {
		return fmt.Errorf("couldn't create a new client: %w", err)
	}

	var schedule odoov1.OdooBackupSchedule
	if err := cli.Get(ctx, types.NamespacedName{Name: scheduleName, Namespace: scheduleNamespace}, &schedule); err != nil {
		return fmt.Errorf("couldn't get the schedule: %s: %s: %w", scheduleName, scheduleNamespace, err)
	}

	if err := backup.CreateBackupJob(ctx, cli, &schedule); err != nil {
		return fmt.Errorf("backup failed: %s: %s: %w", scheduleName, scheduleNamespace, err)
	}

	if err := rotateBackupJobs(ctx, cli, &schedule, parsedExpireOffset); err != nil {
		return fmt.Errorf("rotation failed: %s: %s: %w", scheduleName, scheduleNamespace, err)
	}

	return nil
}

// rotateBackupJobs deletes this schedule's OdooBackupJobs that finished
// more than .spec.expire ago. Deleting the CR also removes the archive
// through its finalizer, unless the retain-archive annotation is set.
func rotateBackupJobs(
	ctx context.Context,
	cli client.Client,
	schedule *odoov1.OdooBackupSchedule,
	expireOffset time.Duration,
) error {
	var backupList odoov1.OdooBackupJobList
	if err := cli.List(ctx, &backupList, &client.ListOptions{
		LabelSelector: labels.SelectorFromSet(map[string]string{controller.ScheduleUIDLabelKey: string(schedule.GetUID())}),
	}); err != nil {
		return fmt.Errorf("couldn't list OdooBackupJobs: %s: %w", string(schedule.UID), err)
	}

	expire, err := strfmt.ParseDuration(schedule.Spec.Expire)
	if err != nil {
		return fmt.Errorf("couldn't parse spec.expire: %s: %w", schedule.Spec.Expire, err)
	}
	if expire >= expireOffset {
		expire -= expireOffset
	} else {
		expire = 0
	}

	for _, job := range backupList.Items {
		// Only terminal jobs age out. A job still pending behind a long
		// queue keeps its place.
		if !job.Status.Phase.Terminal() || job.Status.FinishedAt == nil {
			continue
		}
		elapsed := time.Since(job.Status.FinishedAt.Time)
		if elapsed <= expire {
			continue
		}

		if err := cli.Delete(ctx, &job, &client.DeleteOptions{
			Preconditions: &metav1.Preconditions{
				UID:             &job.UID,
				ResourceVersion: &job.ResourceVersion,
			},
		}); err == nil || errors.IsNotFound(err) {
			logger.Info("OdooBackupJob deleted",
				"jobName", job.Name, "jobNamespace", job.Namespace,
				"jobUID", job.UID,
				"scheduleName", scheduleName, "scheduleNamespace", scheduleNamespace,
				"elapsed", elapsed, "expire", expire,
			)
		} else {
			return fmt.Errorf("couldn't delete OdooBackupJob: %s: %s: %s: %w",
				job.Name, job.Namespace, job.UID, err)
		}
	}

	return nil
}
