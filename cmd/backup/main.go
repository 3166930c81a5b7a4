package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/config"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	odoov1 "github.com/cybozu-go/odoo-operator/api/v1"
	"github.com/cybozu-go/odoo-operator/internal/controller"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

var (
	scheduleName, scheduleNamespace string
	zapOpts                         zap.Options

	scheme             = runtime.NewScheme()
	logger logr.Logger = ctrl.Log.WithName("backup")

	BackupCmd = &cobra.Command{
		Use: "backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return subMain(cmd.Context())
		},
	}
)

func init() {
	flags := BackupCmd.Flags()
	flags.StringVar(&scheduleName, "name", "", "OdooBackupSchedule resource's name")
	flags.StringVar(&scheduleNamespace, "namespace", "", "OdooBackupSchedule resource's namespace")

	goflags := flag.NewFlagSet("goflags", flag.ExitOnError)
	zapOpts.Development = true
	zapOpts.BindFlags(goflags)
	flags.AddGoFlagSet(goflags)

	utilruntime.Must(clientgoscheme.AddToScheme(scheme))

	utilruntime.Must(odoov1.AddToScheme(scheme))
	//+kubebuilder:scaffold:scheme
}

// GetBackupJobName derives a per-tick OdooBackupJob name. The job ID
// suffix is unique per CronJob run, and the hash keeps the name unique
// even when the schedule name gets truncated.
func GetBackupJobName(schedule *odoov1.OdooBackupSchedule, jobID string) string {
	name := schedule.GetName()
	if len(name) > 43 {
		name = name[:43]
	}

	hasher := sha256.New()
	_, _ = io.WriteString(hasher, name+"\000"+jobID)
	hash := hex.EncodeToString(hasher.Sum(nil))

	return fmt.Sprintf("%s-%s-%s", name, jobID, hash[:6])
}

// FetchJobID extracts the unique per-run suffix of the CronJob-created
// Job driving this pod.
func FetchJobID() (string, error) {
	jobName, ok := os.LookupEnv("JOB_NAME")
	if !ok {
		return "", fmt.Errorf("JOB_NAME not found")
	}
	if len(jobName) < 8 {
		return "", fmt.Errorf("the length of JOB_NAME must be >= 8")
	}
	return jobName[len(jobName)-8:], nil
}

func subMain(ctx context.Context) error {
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))

	cli, err := client.New(config.GetConfigOrDie(), client.Options{Scheme: scheme})
	if err != nil {
		return fmt.Errorf("couldn't create a new client: %w", err)
	}

	var schedule odoov1.OdooBackupSchedule
	if err := cli.Get(ctx, types.NamespacedName{Name: scheduleName, Namespace: scheduleNamespace}, &schedule); err != nil {
		return fmt.Errorf("couldn't get the schedule: %s: %s: %w", scheduleName, scheduleNamespace, err)
	}

	if err := CreateBackupJob(ctx, cli, &schedule); err != nil {
		return fmt.Errorf("backup failed: %s: %s: %w", scheduleName, scheduleNamespace, err)
	}

	return nil
}

// CreateBackupJob creates a new OdooBackupJob for the current tick. If
// it already exists, the schedule UID label decides whether this is a
// retry of the same run (fine) or a leftover of another schedule (not).
func CreateBackupJob(ctx context.Context, cli client.Client, schedule *odoov1.OdooBackupSchedule) error {
	jobID, err := FetchJobID()
	if err != nil {
		return fmt.Errorf("couldn't fetch job id: %w", err)
	}

	jobName := GetBackupJobName(schedule, jobID)
	jobNamespace := schedule.GetNamespace()

	destination := schedule.Spec.Destination
	if destination.ObjectKey != "" {
		// The schedule's objectKey is a prefix; each tick gets its own
		// object under it.
		destination.ObjectKey = strings.TrimSuffix(destination.ObjectKey, "/") + "/" + jobName + ".zip"
	}

	err = cli.Create(ctx, &odoov1.OdooBackupJob{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: jobNamespace,
			Labels:    map[string]string{controller.ScheduleUIDLabelKey: string(schedule.GetUID())},
		},
		Spec: odoov1.OdooBackupJobSpec{
			InstanceRef: schedule.Spec.InstanceRef,
			Destination: destination,
		},
	})
	if err == nil {
		logger.Info("a new OdooBackupJob resource created",
			"jobName", jobName, "jobNamespace", jobNamespace,
			"scheduleName", schedule.GetName(), "scheduleNamespace", schedule.GetNamespace())
		return nil
	}
	if !errors.IsAlreadyExists(err) {
		return fmt.Errorf("couldn't create an OdooBackupJob: %s: %s: %w", jobName, jobNamespace, err)
	}

	var backup odoov1.OdooBackupJob
	if err := cli.Get(ctx, types.NamespacedName{Name: jobName, Namespace: jobNamespace}, &backup); err != nil {
		return fmt.Errorf("couldn't get OdooBackupJob: %s: %s: %w", jobName, jobNamespace, err)
	}
	uid, ok := backup.GetLabels()[controller.ScheduleUIDLabelKey]
	if !ok {
		return fmt.Errorf("label %s not found: %s: %s", controller.ScheduleUIDLabelKey, backup.Name, backup.Namespace)
	}
	if uid != string(schedule.GetUID()) {
		return fmt.Errorf("this OdooBackupJob was created by another OdooBackupSchedule: expectedUID %s: actualUID %s: %s: %s",
			string(schedule.GetUID()), uid, backup.Name, backup.Namespace)
	}

	// At this point we know that the job was created by the previous run
	// of the current tick and we're retrying it. Thus, it is safe to
	// ignore this "already exists" error.
	logger.Info("OdooBackupJob already exists",
		"jobName", jobName, "jobNamespace", jobNamespace,
		"scheduleName", schedule.GetName(), "scheduleNamespace", schedule.GetNamespace())
	return nil
}
