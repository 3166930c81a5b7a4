package controller

import (
	"context"
	"fmt"
	"strconv"

	_ "embed"

	odoov1 "github.com/cybozu-go/odoo-operator/api/v1"
	"github.com/cybozu-go/odoo-operator/internal/controller/metrics"
	"github.com/cybozu-go/odoo-operator/internal/dbadmin"
	"github.com/cybozu-go/odoo-operator/internal/neutralize"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	aerrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

//go:embed script/job-download.sh
var embedDownloadScript string

//go:embed script/job-restore.sh
var embedRestoreScript string

//go:embed script/job-sync.sh
var embedSyncScript string

const (
	neutralizeMountPath = "/etc/neutralize"
	neutralizeFileName  = "neutralize.sql"

	sourceFilestoreMountPath = "/mnt/source-filestore"
)

// OdooRestoreJobReconciler reconciles a OdooRestoreJob object
type OdooRestoreJobReconciler struct {
	client.Client
	Scheme    *runtime.Scheme
	locks     *JobLocks
	newBucket BucketFactory
	dbAdmin   dbadmin.DBAdmin
	policy    neutralize.Policy
	defaults  OperatorDefaults
}

func NewOdooRestoreJobReconciler(
	client client.Client,
	scheme *runtime.Scheme,
	locks *JobLocks,
	newBucket BucketFactory,
	dbAdmin dbadmin.DBAdmin,
	policy neutralize.Policy,
	defaults OperatorDefaults,
) *OdooRestoreJobReconciler {
	if defaults.MCImage == "" {
		defaults.MCImage = "quay.io/minio/mc:latest"
	}
	return &OdooRestoreJobReconciler{
		Client:    client,
		Scheme:    scheme,
		locks:     locks,
		newBucket: newBucket,
		dbAdmin:   dbAdmin,
		policy:    policy,
		defaults:  defaults,
	}
}

// MakeRestoreWorkerJobName derives the worker Job name from the CR UID.
func MakeRestoreWorkerJobName(restore *odoov1.OdooRestoreJob) string {
	return "odoo-restore-" + string(restore.GetUID())
}

func neutralizeConfigMapName(restore *odoov1.OdooRestoreJob) string {
	return "odoo-restore-" + string(restore.GetUID()) + "-sql"
}

//+kubebuilder:rbac:groups=odoo.cybozu.io,resources=odoorestorejobs,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=odoo.cybozu.io,resources=odoorestorejobs/status,verbs=get;update;patch
//+kubebuilder:rbac:groups=odoo.cybozu.io,resources=odoorestorejobs/finalizers,verbs=update
//+kubebuilder:rbac:groups=batch,resources=jobs,verbs=get;list;watch;create;update;patch;delete

func (r *OdooRestoreJobReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	var restore odoov1.OdooRestoreJob
	err := r.Get(ctx, req.NamespacedName, &restore)
	if aerrors.IsNotFound(err) {
		return ctrl.Result{}, nil
	}
	if err != nil {
		logger.Error(err, "failed to get OdooRestoreJob")
		return ctrl.Result{}, err
	}

	if !restore.DeletionTimestamp.IsZero() {
		return r.finalize(ctx, &restore)
	}

	if restore.Status.Phase.Terminal() {
		return ctrl.Result{}, nil
	}

	if !controllerutil.ContainsFinalizer(&restore, odoov1.OdooRestoreJobFinalizerName) {
		controllerutil.AddFinalizer(&restore, odoov1.OdooRestoreJobFinalizerName)
		if err := r.Update(ctx, &restore); err != nil {
			logger.Error(err, "failed to add finalizer")
			return ctrl.Result{}, err
		}
		return requeueReconciliation(), nil
	}

	switch restore.Status.Phase {
	case "", odoov1.JobPhasePending:
		return r.admit(ctx, &restore)
	case odoov1.JobPhaseRunning:
		return r.run(ctx, &restore)
	}
	return ctrl.Result{}, nil
}

// lockTargets lists the instances the job must hold. An instance clone
// also locks the source so no backup or second restore touches it while
// its database is the template.
func (r *OdooRestoreJobReconciler) lockTargets(restore *odoov1.OdooRestoreJob) []types.NamespacedName {
	targets := []types.NamespacedName{
		{Namespace: restore.Namespace, Name: restore.Spec.InstanceRef.Name},
	}
	if restore.Spec.Source.Type == odoov1.RestoreSourceInstance {
		targets = append(targets, types.NamespacedName{Namespace: restore.Namespace, Name: restore.Spec.Source.InstanceName})
	}
	return targets
}

func (r *OdooRestoreJobReconciler) acquireAll(restore *odoov1.OdooRestoreJob) bool {
	jobNN := types.NamespacedName{Namespace: restore.Namespace, Name: restore.Name}
	targets := r.lockTargets(restore)
	for i, target := range targets {
		if !r.locks.TryAcquire(target, jobNN) {
			for _, acquired := range targets[:i] {
				r.locks.Release(acquired, jobNN)
			}
			return false
		}
	}
	return true
}

func (r *OdooRestoreJobReconciler) releaseAll(restore *odoov1.OdooRestoreJob) {
	jobNN := types.NamespacedName{Namespace: restore.Namespace, Name: restore.Name}
	for _, target := range r.lockTargets(restore) {
		r.locks.Release(target, jobNN)
	}
}

func (r *OdooRestoreJobReconciler) admit(ctx context.Context, restore *odoov1.OdooRestoreJob) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if err := restore.ValidateSource(); err != nil {
		logger.Info("source validation failed", "error", err)
		return ctrl.Result{}, r.markFailed(ctx, restore, err.Error())
	}
	if restore.Spec.Source.Type == odoov1.RestoreSourceInstance &&
		restore.Spec.Source.InstanceName == restore.Spec.InstanceRef.Name {
		return ctrl.Result{}, r.markFailed(ctx, restore, "source and target instance must differ")
	}

	for _, nn := range r.lockTargets(restore) {
		var instance odoov1.OdooInstance
		err := r.Get(ctx, nn, &instance)
		if aerrors.IsNotFound(err) {
			return ctrl.Result{}, r.markFailed(ctx, restore, fmt.Sprintf("OdooInstance %s not found", nn.Name))
		}
		if err != nil {
			return ctrl.Result{}, err
		}
	}

	contended := false
	for _, nn := range r.lockTargets(restore) {
		holder, err := activeJobHolder(ctx, r.Client, restore.Namespace, nn.Name, restore.GetUID())
		if err != nil {
			return ctrl.Result{}, err
		}
		if holder != "" {
			contended = true
			break
		}
	}
	if contended || !r.acquireAll(restore) {
		if err := updateStatus(ctx, r.Client, restore, func() error {
			restore.Status.Phase = odoov1.JobPhasePending
			meta.SetStatusCondition(&restore.Status.Conditions, metav1.Condition{
				Type:    odoov1.JobConditionProgressing,
				Status:  metav1.ConditionFalse,
				Reason:  odoov1.JobReasonWaitingForActiveJob,
				Message: "waiting for the active job on the instance to finish",
			})
			return nil
		}); err != nil {
			return ctrl.Result{}, err
		}
		return requeueReconciliation(), nil
	}

	if err := updateStatus(ctx, r.Client, restore, func() error {
		restore.Status.Phase = odoov1.JobPhaseRunning
		if restore.Status.StartedAt == nil {
			restore.Status.StartedAt = ptr.To(metav1.Now())
		}
		meta.SetStatusCondition(&restore.Status.Conditions, metav1.Condition{
			Type:   odoov1.JobConditionProgressing,
			Status: metav1.ConditionTrue,
			Reason: odoov1.JobReasonWorkerRunning,
		})
		return nil
	}); err != nil {
		r.releaseAll(restore)
		return ctrl.Result{}, err
	}
	return requeueReconciliation(), nil
}

// run drives the Running phase. Every step is idempotent and re-entered
// on each reconciliation: suspend the workloads, wait for the pods to
// drain, stage the data, then watch the worker.
func (r *OdooRestoreJobReconciler) run(ctx context.Context, restore *odoov1.OdooRestoreJob) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if !r.acquireAll(restore) {
		logger.Info("lock held by another job while Running")
		return requeueReconciliation(), nil
	}

	jobNN := types.NamespacedName{Namespace: restore.Namespace, Name: restore.Name}
	drained := true
	for _, nn := range r.lockTargets(restore) {
		var instance odoov1.OdooInstance
		if err := r.Get(ctx, nn, &instance); err != nil {
			return ctrl.Result{}, err
		}
		if suspendedBy(&instance) != jobNN.String() {
			if instance.Annotations == nil {
				instance.Annotations = map[string]string{}
			}
			instance.Annotations[SuspendedByAnnotation] = jobNN.String()
			if err := r.Update(ctx, &instance); err != nil {
				return ctrl.Result{}, err
			}
		}
		var deployment appsv1.Deployment
		err := r.Get(ctx, nn, &deployment)
		if err != nil && !aerrors.IsNotFound(err) {
			return ctrl.Result{}, err
		}
		if err == nil && deployment.Status.Replicas != 0 {
			drained = false
		}
	}
	if !drained {
		// Destructive work starts only once every pod is gone.
		return requeueReconciliation(), nil
	}

	var worker batchv1.Job
	err := r.Get(ctx, types.NamespacedName{Namespace: restore.Namespace, Name: MakeRestoreWorkerJobName(restore)}, &worker)
	if aerrors.IsNotFound(err) {
		return r.stage(ctx, restore)
	}
	if err != nil {
		return ctrl.Result{}, err
	}

	switch {
	case IsJobConditionTrue(worker.Status.Conditions, batchv1.JobComplete):
		return ctrl.Result{}, r.complete(ctx, restore)
	case IsJobConditionTrue(worker.Status.Conditions, batchv1.JobFailed):
		logger.Info("restore worker failed", "job", worker.Name)
		if err := r.resumeInstances(ctx, restore); err != nil {
			return ctrl.Result{}, err
		}
		r.releaseAll(restore)
		return ctrl.Result{}, r.markFailed(ctx, restore, "restore worker job failed")
	default:
		return requeueReconciliation(), nil
	}
}

// stage prepares the data source and creates the worker Job.
func (r *OdooRestoreJobReconciler) stage(ctx context.Context, restore *odoov1.OdooRestoreJob) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	var target odoov1.OdooInstance
	targetNN := types.NamespacedName{Namespace: restore.Namespace, Name: restore.Spec.InstanceRef.Name}
	if err := r.Get(ctx, targetNN, &target); err != nil {
		return ctrl.Result{}, err
	}

	if restore.ShouldNeutralize() {
		if err := r.ensureNeutralizeConfigMap(ctx, restore); err != nil {
			return ctrl.Result{}, err
		}
	}

	switch restore.Spec.Source.Type {
	case odoov1.RestoreSourceS3:
		if err := r.createArchiveWorkerJob(ctx, restore, &target); err != nil {
			return ctrl.Result{}, err
		}
	case odoov1.RestoreSourceInstance:
		var source odoov1.OdooInstance
		sourceNN := types.NamespacedName{Namespace: restore.Namespace, Name: restore.Spec.Source.InstanceName}
		if err := r.Get(ctx, sourceNN, &source); err != nil {
			return ctrl.Result{}, err
		}
		sourceRole := dbadmin.RoleName(source.Namespace, r.defaults.Release, source.Name)
		targetRole := dbadmin.RoleName(target.Namespace, r.defaults.Release, target.Name)
		err := r.dbAdmin.CloneDatabase(ctx, sourceRole, targetRole, targetRole)
		if isDatabaseConflict(err) {
			// Pods are gone but their connections may still be draining.
			logger.Info("database busy, terminating backends", "error", err)
			for _, db := range []string{sourceRole, targetRole} {
				if terr := r.dbAdmin.TerminateBackends(ctx, db); terr != nil {
					logger.Error(terr, "failed to terminate backends", "database", db)
				}
			}
			return requeueReconciliation(), nil
		}
		if err != nil {
			return ctrl.Result{}, err
		}
		if err := r.createSyncWorkerJob(ctx, restore, &target, &source); err != nil {
			return ctrl.Result{}, err
		}
	}
	return requeueReconciliation(), nil
}

func (r *OdooRestoreJobReconciler) complete(ctx context.Context, restore *odoov1.OdooRestoreJob) error {
	logger := log.FromContext(ctx)

	if err := r.resumeInstances(ctx, restore); err != nil {
		return err
	}

	if err := updateStatus(ctx, r.Client, restore, func() error {
		restore.Status.Phase = odoov1.JobPhaseSucceeded
		restore.Status.FinishedAt = ptr.To(metav1.Now())
		restore.Status.Neutralized = restore.ShouldNeutralize()
		meta.SetStatusCondition(&restore.Status.Conditions, metav1.Condition{
			Type:   odoov1.JobConditionProgressing,
			Status: metav1.ConditionFalse,
			Reason: odoov1.JobReasonCompleted,
		})
		return nil
	}); err != nil {
		return err
	}

	if restore.Status.StartedAt != nil && restore.Status.FinishedAt != nil {
		metrics.RestoreDuration.
			WithLabelValues(restore.Namespace, restore.Spec.InstanceRef.Name, string(restore.Spec.Source.Type)).
			Observe(restore.Status.FinishedAt.Sub(restore.Status.StartedAt.Time).Seconds())
	}

	r.releaseAll(restore)
	logger.Info("restore completed", "neutralized", restore.Status.Neutralized)
	return nil
}

// resumeInstances lifts the suspension this job placed. Annotations set
// by another job are left alone.
func (r *OdooRestoreJobReconciler) resumeInstances(ctx context.Context, restore *odoov1.OdooRestoreJob) error {
	jobNN := types.NamespacedName{Namespace: restore.Namespace, Name: restore.Name}
	for _, nn := range r.lockTargets(restore) {
		var instance odoov1.OdooInstance
		err := r.Get(ctx, nn, &instance)
		if aerrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if instance.Annotations[SuspendedByAnnotation] != jobNN.String() {
			continue
		}
		delete(instance.Annotations, SuspendedByAnnotation)
		if err := r.Update(ctx, &instance); err != nil {
			return err
		}
	}
	return nil
}

func (r *OdooRestoreJobReconciler) markFailed(ctx context.Context, restore *odoov1.OdooRestoreJob, message string) error {
	return updateStatus(ctx, r.Client, restore, func() error {
		restore.Status.Phase = odoov1.JobPhaseFailed
		restore.Status.FinishedAt = ptr.To(metav1.Now())
		meta.SetStatusCondition(&restore.Status.Conditions, metav1.Condition{
			Type:    odoov1.JobConditionProgressing,
			Status:  metav1.ConditionFalse,
			Reason:  odoov1.JobReasonFailed,
			Message: message,
		})
		return nil
	})
}

func (r *OdooRestoreJobReconciler) finalize(ctx context.Context, restore *odoov1.OdooRestoreJob) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if !controllerutil.ContainsFinalizer(restore, odoov1.OdooRestoreJobFinalizerName) {
		return ctrl.Result{}, nil
	}

	if err := r.resumeInstances(ctx, restore); err != nil {
		return ctrl.Result{}, err
	}
	r.releaseAll(restore)

	worker := batchv1.Job{ObjectMeta: metav1.ObjectMeta{Namespace: restore.Namespace, Name: MakeRestoreWorkerJobName(restore)}}
	propagation := metav1.DeletePropagationBackground
	if err := r.Delete(ctx, &worker, &client.DeleteOptions{PropagationPolicy: &propagation}); err != nil && !aerrors.IsNotFound(err) {
		return ctrl.Result{}, err
	}
	cm := corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Namespace: restore.Namespace, Name: neutralizeConfigMapName(restore)}}
	if err := r.Delete(ctx, &cm); err != nil && !aerrors.IsNotFound(err) {
		return ctrl.Result{}, err
	}

	controllerutil.RemoveFinalizer(restore, odoov1.OdooRestoreJobFinalizerName)
	if err := r.Update(ctx, restore); err != nil {
		logger.Error(err, "failed to remove finalizer")
		return ctrl.Result{}, err
	}
	return ctrl.Result{}, nil
}

func (r *OdooRestoreJobReconciler) ensureNeutralizeConfigMap(ctx context.Context, restore *odoov1.OdooRestoreJob) error {
	var cm corev1.ConfigMap
	cm.SetName(neutralizeConfigMapName(restore))
	cm.SetNamespace(restore.Namespace)
	_, err := ctrl.CreateOrUpdate(ctx, r.Client, &cm, func() error {
		cm.Data = map[string]string{neutralizeFileName: r.policy.SQL()}
		return controllerutil.SetControllerReference(restore, &cm, r.Scheme)
	})
	return err
}

func (r *OdooRestoreJobReconciler) workerPodCommon(restore *odoov1.OdooRestoreJob, target *odoov1.OdooInstance) ([]corev1.EnvVar, []corev1.VolumeMount, []corev1.Volume) {
	env := []corev1.EnvVar{
		{Name: "FILESTORE_DIR", Value: filestoreMountPath + "/filestore"},
		{Name: "NEUTRALIZE", Value: strconv.FormatBool(restore.ShouldNeutralize())},
	}
	mounts := []corev1.VolumeMount{
		{Name: "filestore", MountPath: filestoreMountPath},
	}
	volumes := []corev1.Volume{
		{
			Name: "filestore",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: filestorePVCName(target),
				},
			},
		},
	}
	if restore.ShouldNeutralize() {
		env = append(env, corev1.EnvVar{Name: "NEUTRALIZE_SQL_FILE", Value: neutralizeMountPath + "/" + neutralizeFileName})
		mounts = append(mounts, corev1.VolumeMount{Name: "neutralize", MountPath: neutralizeMountPath, ReadOnly: true})
		volumes = append(volumes, corev1.Volume{
			Name: "neutralize",
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: neutralizeConfigMapName(restore)},
				},
			},
		})
	}
	return env, mounts, volumes
}

// createArchiveWorkerJob builds the worker for an S3 restore: a download
// init step staged onto a scratch volume, then the verify-and-replace
// step inside the instance image.
func (r *OdooRestoreJobReconciler) createArchiveWorkerJob(ctx context.Context, restore *odoov1.OdooRestoreJob, target *odoov1.OdooInstance) error {
	credentials := dbCredentialsSecretName(target)
	targetRole := dbadmin.RoleName(target.Namespace, r.defaults.Release, target.Name)
	env, mounts, volumes := r.workerPodCommon(restore, target)

	env = append(env, pgEnv(credentials)...)
	env = append(env,
		corev1.EnvVar{Name: "DB_OWNER", Value: targetRole},
		corev1.EnvVar{Name: "WORK_DIR", Value: "/restore"},
	)
	mounts = append(mounts, corev1.VolumeMount{Name: workVolumeName, MountPath: "/restore"})
	volumes = append(volumes, corev1.Volume{
		Name:         workVolumeName,
		VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
	})

	var worker batchv1.Job
	worker.SetName(MakeRestoreWorkerJobName(restore))
	worker.SetNamespace(restore.Namespace)
	_, err := ctrl.CreateOrUpdate(ctx, r.Client, &worker, func() error {
		labels := instanceLabels(target, labelComponentRestoreJob)
		worker.SetLabels(labels)
		worker.Spec.BackoffLimit = ptr.To(int32(0))
		worker.Spec.Template = corev1.PodTemplateSpec{
			ObjectMeta: metav1.ObjectMeta{Labels: labels},
			Spec: corev1.PodSpec{
				RestartPolicy: corev1.RestartPolicyNever,
				InitContainers: []corev1.Container{
					{
						Name:            "download",
						Image:           r.defaults.MCImage,
						ImagePullPolicy: corev1.PullIfNotPresent,
						Command:         []string{"/bin/bash", "-c", embedDownloadScript},
						Env: append(objectStorageEnv(restore.Spec.Source.S3, restore.Spec.Source.S3.ObjectKey),
							corev1.EnvVar{Name: "WORK_DIR", Value: "/restore"},
						),
						VolumeMounts: []corev1.VolumeMount{
							{Name: workVolumeName, MountPath: "/restore"},
						},
					},
				},
				Containers: []corev1.Container{
					{
						Name:            "restore",
						Image:           target.Spec.Image,
						ImagePullPolicy: corev1.PullIfNotPresent,
						Command:         []string{"/bin/bash", "-c", embedRestoreScript},
						Env:             env,
						VolumeMounts:    mounts,
					},
				},
				Volumes: volumes,
			},
		}
		return controllerutil.SetControllerReference(restore, &worker, r.Scheme)
	})
	return err
}

// createSyncWorkerJob builds the worker for an instance clone. The
// database was already copied server-side; this job moves the filestore
// and runs the scrub.
func (r *OdooRestoreJobReconciler) createSyncWorkerJob(ctx context.Context, restore *odoov1.OdooRestoreJob, target, source *odoov1.OdooInstance) error {
	credentials := dbCredentialsSecretName(target)
	sourceRole := dbadmin.RoleName(source.Namespace, r.defaults.Release, source.Name)
	env, mounts, volumes := r.workerPodCommon(restore, target)

	env = append(env, pgEnv(credentials)...)
	env = append(env,
		corev1.EnvVar{Name: "SOURCE_DB_NAME", Value: sourceRole},
		corev1.EnvVar{Name: "SOURCE_FILESTORE_DIR", Value: sourceFilestoreMountPath + "/filestore"},
	)
	mounts = append(mounts, corev1.VolumeMount{Name: "source-filestore", MountPath: sourceFilestoreMountPath, ReadOnly: true})
	volumes = append(volumes, corev1.Volume{
		Name: "source-filestore",
		VolumeSource: corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
				ClaimName: filestorePVCName(source),
				ReadOnly:  true,
			},
		},
	})

	var worker batchv1.Job
	worker.SetName(MakeRestoreWorkerJobName(restore))
	worker.SetNamespace(restore.Namespace)
	_, err := ctrl.CreateOrUpdate(ctx, r.Client, &worker, func() error {
		labels := instanceLabels(target, labelComponentRestoreJob)
		worker.SetLabels(labels)
		worker.Spec.BackoffLimit = ptr.To(int32(0))
		worker.Spec.Template = corev1.PodTemplateSpec{
			ObjectMeta: metav1.ObjectMeta{Labels: labels},
			Spec: corev1.PodSpec{
				RestartPolicy: corev1.RestartPolicyNever,
				Containers: []corev1.Container{
					{
						Name:            "sync",
						Image:           target.Spec.Image,
						ImagePullPolicy: corev1.PullIfNotPresent,
						Command:         []string{"/bin/bash", "-c", embedSyncScript},
						Env:             env,
						VolumeMounts:    mounts,
					},
				},
				Volumes: volumes,
			},
		}
		return controllerutil.SetControllerReference(restore, &worker, r.Scheme)
	})
	return err
}

// SetupWithManager sets up the controller with the Manager.
func (r *OdooRestoreJobReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&odoov1.OdooRestoreJob{}).
		Owns(&batchv1.Job{}).
		Watches(&odoov1.OdooInstance{}, handler.EnqueueRequestsFromMapFunc(r.instanceToRestoreJobs)).
		WithOptions(defaultControllerOptions()).
		Complete(r)
}

// instanceToRestoreJobs re-drives non-terminal restore jobs touching the
// changed instance, so drain progress is observed promptly.
func (r *OdooRestoreJobReconciler) instanceToRestoreJobs(ctx context.Context, obj client.Object) []ctrl.Request {
	var jobs odoov1.OdooRestoreJobList
	if err := r.List(ctx, &jobs, client.InNamespace(obj.GetNamespace())); err != nil {
		return nil
	}
	var requests []ctrl.Request
	for _, job := range jobs.Items {
		if job.Status.Phase.Terminal() {
			continue
		}
		if job.Spec.InstanceRef.Name == obj.GetName() ||
			(job.Spec.Source.Type == odoov1.RestoreSourceInstance && job.Spec.Source.InstanceName == obj.GetName()) {
			requests = append(requests, ctrl.Request{
				NamespacedName: types.NamespacedName{Namespace: job.Namespace, Name: job.Name},
			})
		}
	}
	return requests
}
