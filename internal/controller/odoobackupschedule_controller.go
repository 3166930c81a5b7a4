package controller

import (
	"context"
	"slices"

	odoov1 "github.com/cybozu-go/odoo-operator/api/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	aerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	OdooBackupScheduleFinalizerName = "odoobackupschedule.odoo.cybozu.io/finalizer"

	// ScheduleUIDLabelKey ties periodic OdooBackupJobs and the driver
	// CronJob back to their schedule.
	ScheduleUIDLabelKey = "odoo.cybozu.io/schedule-uid"

	scheduleCronJobNamePrefix = "obs-"
)

// GetScheduleCronJobName derives the CronJob name from the CR UID, so
// recreating a schedule under the same name never adopts a stale
// CronJob.
func GetScheduleCronJobName(schedule *odoov1.OdooBackupSchedule) string {
	return scheduleCronJobNamePrefix + string(schedule.GetUID())
}

// OdooBackupScheduleReconciler reconciles a OdooBackupSchedule object.
// The CronJob it manages lives in the operator's own namespace and runs
// the operator image with the backup-and-rotate subcommand, which
// creates the per-tick OdooBackupJob and prunes expired ones.
type OdooBackupScheduleReconciler struct {
	client.Client
	Scheme *runtime.Scheme

	cronJobNamespace          string
	cronJobServiceAccountName string
	cronJobImage              string

	// overwriteSchedule, when set, replaces every schedule expression.
	// Used to shorten waits in test environments.
	overwriteSchedule string
}

func NewOdooBackupScheduleReconciler(
	client client.Client,
	scheme *runtime.Scheme,
	cronJobNamespace string,
	cronJobServiceAccountName string,
	cronJobImage string,
	overwriteSchedule string,
) *OdooBackupScheduleReconciler {
	return &OdooBackupScheduleReconciler{
		Client:                    client,
		Scheme:                    scheme,
		cronJobNamespace:          cronJobNamespace,
		cronJobServiceAccountName: cronJobServiceAccountName,
		cronJobImage:              cronJobImage,
		overwriteSchedule:         overwriteSchedule,
	}
}

//+kubebuilder:rbac:groups=odoo.cybozu.io,resources=odoobackupschedules,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=odoo.cybozu.io,resources=odoobackupschedules/status,verbs=get;update;patch
//+kubebuilder:rbac:groups=odoo.cybozu.io,resources=odoobackupschedules/finalizers,verbs=update
//+kubebuilder:rbac:groups=batch,resources=cronjobs,verbs=get;list;watch;create;update;patch;delete

func (r *OdooBackupScheduleReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	var schedule odoov1.OdooBackupSchedule
	err := r.Get(ctx, req.NamespacedName, &schedule)
	if aerrors.IsNotFound(err) {
		return ctrl.Result{}, nil
	}
	if err != nil {
		logger.Error(err, "failed to get OdooBackupSchedule")
		return ctrl.Result{}, err
	}

	if !schedule.DeletionTimestamp.IsZero() {
		return r.finalize(ctx, &schedule)
	}

	if !controllerutil.ContainsFinalizer(&schedule, OdooBackupScheduleFinalizerName) {
		controllerutil.AddFinalizer(&schedule, OdooBackupScheduleFinalizerName)
		if err := r.Update(ctx, &schedule); err != nil {
			logger.Error(err, "failed to add finalizer")
			return ctrl.Result{}, err
		}
		return requeueReconciliation(), nil
	}

	cronJob, err := r.createOrUpdateCronJob(ctx, &schedule)
	if err != nil {
		return ctrl.Result{}, err
	}

	return ctrl.Result{}, updateStatus(ctx, r.Client, &schedule, func() error {
		schedule.Status.CreatedCronJob = cronJob.Name
		schedule.Status.LastScheduleTime = cronJob.Status.LastScheduleTime
		return nil
	})
}

func (r *OdooBackupScheduleReconciler) createOrUpdateCronJob(ctx context.Context, schedule *odoov1.OdooBackupSchedule) (*batchv1.CronJob, error) {
	cronSchedule := schedule.Spec.Schedule
	if r.overwriteSchedule != "" {
		cronSchedule = r.overwriteSchedule
	}

	var cronJob batchv1.CronJob
	cronJob.SetName(GetScheduleCronJobName(schedule))
	cronJob.SetNamespace(r.cronJobNamespace)
	_, err := ctrl.CreateOrUpdate(ctx, r.Client, &cronJob, func() error {
		// The CronJob lives outside the schedule's namespace, so no owner
		// reference; the finalizer does the cleanup and the label ties it
		// back for observability.
		cronJob.SetLabels(map[string]string{ScheduleUIDLabelKey: string(schedule.GetUID())})

		cronJob.Spec.Schedule = cronSchedule
		cronJob.Spec.Suspend = ptr.To(schedule.Spec.Suspend)
		cronJob.Spec.ConcurrencyPolicy = batchv1.ForbidConcurrent
		cronJob.Spec.StartingDeadlineSeconds = ptr.To(int64(3600))
		cronJob.Spec.JobTemplate.Spec.BackoffLimit = ptr.To(int32(10))

		podSpec := &cronJob.Spec.JobTemplate.Spec.Template.Spec
		podSpec.ServiceAccountName = r.cronJobServiceAccountName
		podSpec.RestartPolicy = corev1.RestartPolicyOnFailure

		if len(podSpec.Containers) == 0 {
			podSpec.Containers = append(podSpec.Containers, corev1.Container{})
		}
		container := &podSpec.Containers[0]
		container.Name = "backup"
		container.Image = r.cronJobImage
		container.Command = []string{
			"/odoo-operator",
			"backup-and-rotate",
			"--name", schedule.GetName(),
			"--namespace", schedule.GetNamespace(),
		}
		container.ImagePullPolicy = corev1.PullIfNotPresent

		// The pod needs its own Job name to derive a unique, idempotent
		// OdooBackupJob name per tick.
		envName := "JOB_NAME"
		envIndex := slices.IndexFunc(container.Env, func(e corev1.EnvVar) bool {
			return e.Name == envName
		})
		if envIndex == -1 {
			container.Env = append(container.Env, corev1.EnvVar{Name: envName})
			envIndex = len(container.Env) - 1
		}
		env := &container.Env[envIndex]
		if env.ValueFrom == nil {
			env.ValueFrom = &corev1.EnvVarSource{}
		}
		if env.ValueFrom.FieldRef == nil {
			env.ValueFrom.FieldRef = &corev1.ObjectFieldSelector{}
		}
		env.ValueFrom.FieldRef.FieldPath = "metadata.labels['batch.kubernetes.io/job-name']"
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cronJob, nil
}

// finalize deletes the CronJob and waits for it to be gone before
// dropping the finalizer. Periodic OdooBackupJobs created by past ticks
// keep their own lifecycle.
func (r *OdooBackupScheduleReconciler) finalize(ctx context.Context, schedule *odoov1.OdooBackupSchedule) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if !controllerutil.ContainsFinalizer(schedule, OdooBackupScheduleFinalizerName) {
		return ctrl.Result{}, nil
	}

	var cronJob batchv1.CronJob
	err := r.Get(ctx, types.NamespacedName{Namespace: r.cronJobNamespace, Name: GetScheduleCronJobName(schedule)}, &cronJob)
	if err == nil {
		propagation := metav1.DeletePropagationBackground
		if err := r.Delete(ctx, &cronJob, &client.DeleteOptions{PropagationPolicy: &propagation}); err != nil && !aerrors.IsNotFound(err) {
			return ctrl.Result{}, err
		}
		return requeueReconciliation(), nil
	}
	if !aerrors.IsNotFound(err) {
		return ctrl.Result{}, err
	}

	controllerutil.RemoveFinalizer(schedule, OdooBackupScheduleFinalizerName)
	if err := r.Update(ctx, schedule); err != nil {
		logger.Error(err, "failed to remove finalizer")
		return ctrl.Result{}, err
	}
	return ctrl.Result{}, nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *OdooBackupScheduleReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&odoov1.OdooBackupSchedule{}).
		WithOptions(defaultControllerOptions()).
		Complete(r)
}
