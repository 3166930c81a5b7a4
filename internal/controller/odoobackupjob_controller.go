package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"

	_ "embed"

	odoov1 "github.com/cybozu-go/odoo-operator/api/v1"
	"github.com/cybozu-go/odoo-operator/internal/controller/internal/objectstorage"
	"github.com/cybozu-go/odoo-operator/internal/controller/metrics"
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
	"sigs.k8s.io/controller-runtime/pkg/log"
)

//go:embed script/job-backup.sh
var embedBackupScript string

//go:embed script/job-upload.sh
var embedUploadScript string

const (
	workVolumeName = "work"

	archiveTimestampLayout = "20060102-150405"
)

// BucketFactory opens a bucket client for a job's object storage
// location. Swappable for tests.
type BucketFactory func(ctx context.Context, spec *odoov1.ObjectStorageSpec, accessKey, secretKey string) (objectstorage.Bucket, error)

func DefaultBucketFactory(ctx context.Context, spec *odoov1.ObjectStorageSpec, accessKey, secretKey string) (objectstorage.Bucket, error) {
	return objectstorage.NewS3Bucket(ctx, spec.Bucket, spec.Endpoint, spec.Region, accessKey, secretKey, nil)
}

// OdooBackupJobReconciler reconciles a OdooBackupJob object
type OdooBackupJobReconciler struct {
	client.Client
	Scheme    *runtime.Scheme
	locks     *JobLocks
	newBucket BucketFactory
	defaults  OperatorDefaults
}

func NewOdooBackupJobReconciler(
	client client.Client,
	scheme *runtime.Scheme,
	locks *JobLocks,
	newBucket BucketFactory,
	defaults OperatorDefaults,
) *OdooBackupJobReconciler {
	if defaults.MCImage == "" {
		defaults.MCImage = "quay.io/minio/mc:latest"
	}
	return &OdooBackupJobReconciler{
		Client:    client,
		Scheme:    scheme,
		locks:     locks,
		newBucket: newBucket,
		defaults:  defaults,
	}
}

// MakeBackupWorkerJobName derives the worker Job name from the CR UID,
// so recreating a CR under the same name never collides with a worker
// left over from the previous one.
func MakeBackupWorkerJobName(backup *odoov1.OdooBackupJob) string {
	return "odoo-backup-" + string(backup.GetUID())
}

// archiveKey resolves the object key of the archive. An explicit
// destination key wins; otherwise the key is derived from the job
// identity and creation time, which keeps it stable across
// reconciliations.
func archiveKey(backup *odoov1.OdooBackupJob) string {
	if backup.Spec.Destination.ObjectKey != "" {
		return backup.Spec.Destination.ObjectKey
	}
	return fmt.Sprintf("%s/%s/%s-%s.zip",
		backup.Namespace,
		backup.Spec.InstanceRef.Name,
		backup.Name,
		backup.CreationTimestamp.UTC().Format(archiveTimestampLayout),
	)
}

//+kubebuilder:rbac:groups=odoo.cybozu.io,resources=odoobackupjobs,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=odoo.cybozu.io,resources=odoobackupjobs/status,verbs=get;update;patch
//+kubebuilder:rbac:groups=odoo.cybozu.io,resources=odoobackupjobs/finalizers,verbs=update
//+kubebuilder:rbac:groups=batch,resources=jobs,verbs=get;list;watch;create;update;patch;delete

func (r *OdooBackupJobReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	var backup odoov1.OdooBackupJob
	err := r.Get(ctx, req.NamespacedName, &backup)
	if aerrors.IsNotFound(err) {
		return ctrl.Result{}, nil
	}
	if err != nil {
		logger.Error(err, "failed to get OdooBackupJob")
		return ctrl.Result{}, err
	}

	if !backup.DeletionTimestamp.IsZero() {
		return r.finalize(ctx, &backup)
	}

	if backup.Status.Phase.Terminal() {
		return ctrl.Result{}, nil
	}

	if !controllerutil.ContainsFinalizer(&backup, odoov1.OdooBackupJobFinalizerName) {
		controllerutil.AddFinalizer(&backup, odoov1.OdooBackupJobFinalizerName)
		if err := r.Update(ctx, &backup); err != nil {
			logger.Error(err, "failed to add finalizer")
			return ctrl.Result{}, err
		}
		return requeueReconciliation(), nil
	}

	switch backup.Status.Phase {
	case "", odoov1.JobPhasePending:
		return r.admit(ctx, &backup)
	case odoov1.JobPhaseRunning:
		return r.observeWorker(ctx, &backup)
	}
	return ctrl.Result{}, nil
}

// admit checks the target instance and contends for its job lock. A
// queued job is parked with a condition and retried; it never fails just
// because another job is active.
func (r *OdooBackupJobReconciler) admit(ctx context.Context, backup *odoov1.OdooBackupJob) (ctrl.Result, error) {
	logger := log.FromContext(ctx)
	instanceNN := types.NamespacedName{Namespace: backup.Namespace, Name: backup.Spec.InstanceRef.Name}
	jobNN := types.NamespacedName{Namespace: backup.Namespace, Name: backup.Name}

	var instance odoov1.OdooInstance
	err := r.Get(ctx, instanceNN, &instance)
	if aerrors.IsNotFound(err) {
		logger.Info("target instance does not exist", "instance", instanceNN)
		return ctrl.Result{}, r.markFailed(ctx, backup, fmt.Sprintf("OdooInstance %s not found", instanceNN.Name))
	}
	if err != nil {
		return ctrl.Result{}, err
	}
	if !instance.IsReady() {
		logger.Info("target instance is not ready", "instance", instanceNN, "phase", instance.Status.Phase)
		return ctrl.Result{}, r.markFailed(ctx, backup,
			fmt.Sprintf("OdooInstance %s is not Ready (phase %s)", instanceNN.Name, instance.Status.Phase))
	}

	holderName, err := activeJobHolder(ctx, r.Client, backup.Namespace, instanceNN.Name, backup.GetUID())
	if err != nil {
		return ctrl.Result{}, err
	}
	if holderName == "" && !r.locks.TryAcquire(instanceNN, jobNN) {
		holder, _ := r.locks.Holder(instanceNN)
		holderName = holder.Name
	}
	if holderName != "" {
		if err := updateStatus(ctx, r.Client, backup, func() error {
			backup.Status.Phase = odoov1.JobPhasePending
			meta.SetStatusCondition(&backup.Status.Conditions, metav1.Condition{
				Type:    odoov1.JobConditionProgressing,
				Status:  metav1.ConditionFalse,
				Reason:  odoov1.JobReasonWaitingForActiveJob,
				Message: fmt.Sprintf("waiting for job %s to finish", holderName),
			})
			return nil
		}); err != nil {
			return ctrl.Result{}, err
		}
		return requeueReconciliation(), nil
	}

	if err := updateStatus(ctx, r.Client, backup, func() error {
		backup.Status.Phase = odoov1.JobPhaseRunning
		if backup.Status.StartedAt == nil {
			backup.Status.StartedAt = ptr.To(metav1.Now())
		}
		meta.SetStatusCondition(&backup.Status.Conditions, metav1.Condition{
			Type:   odoov1.JobConditionProgressing,
			Status: metav1.ConditionTrue,
			Reason: odoov1.JobReasonWorkerRunning,
		})
		return nil
	}); err != nil {
		r.locks.Release(instanceNN, jobNN)
		return ctrl.Result{}, err
	}

	if err := r.createWorkerJob(ctx, backup, &instance); err != nil {
		return ctrl.Result{}, err
	}
	return requeueReconciliation(), nil
}

// observeWorker tracks the worker Job until a terminal condition shows
// up. The lock is re-acquired first, so recovery after a controller
// restart converges without operator action.
func (r *OdooBackupJobReconciler) observeWorker(ctx context.Context, backup *odoov1.OdooBackupJob) (ctrl.Result, error) {
	logger := log.FromContext(ctx)
	instanceNN := types.NamespacedName{Namespace: backup.Namespace, Name: backup.Spec.InstanceRef.Name}
	jobNN := types.NamespacedName{Namespace: backup.Namespace, Name: backup.Name}

	if !r.locks.TryAcquire(instanceNN, jobNN) {
		// Running in the status but another job holds the lock. Should
		// not happen; park until it frees up rather than run two workers.
		logger.Info("lock held by another job while Running", "instance", instanceNN)
		return requeueReconciliation(), nil
	}

	var worker batchv1.Job
	err := r.Get(ctx, types.NamespacedName{Namespace: backup.Namespace, Name: MakeBackupWorkerJobName(backup)}, &worker)
	if aerrors.IsNotFound(err) {
		// Crashed between the status update and the create.
		var instance odoov1.OdooInstance
		if err := r.Get(ctx, instanceNN, &instance); err != nil {
			return ctrl.Result{}, err
		}
		if err := r.createWorkerJob(ctx, backup, &instance); err != nil {
			return ctrl.Result{}, err
		}
		return requeueReconciliation(), nil
	}
	if err != nil {
		return ctrl.Result{}, err
	}

	switch {
	case IsJobConditionTrue(worker.Status.Conditions, batchv1.JobComplete):
		return r.completeBackup(ctx, backup)
	case IsJobConditionTrue(worker.Status.Conditions, batchv1.JobFailed):
		logger.Info("backup worker failed", "job", worker.Name)
		r.locks.Release(instanceNN, jobNN)
		return ctrl.Result{}, r.markFailed(ctx, backup, "backup worker job failed")
	default:
		return requeueReconciliation(), nil
	}
}

// completeBackup verifies the uploaded archive before the job is
// declared successful. A worker that reported success but left no
// object behind is a failure.
func (r *OdooBackupJobReconciler) completeBackup(ctx context.Context, backup *odoov1.OdooBackupJob) (ctrl.Result, error) {
	logger := log.FromContext(ctx)
	instanceNN := types.NamespacedName{Namespace: backup.Namespace, Name: backup.Spec.InstanceRef.Name}
	jobNN := types.NamespacedName{Namespace: backup.Namespace, Name: backup.Name}

	bucket, err := r.openBucket(ctx, backup.Namespace, &backup.Spec.Destination)
	if err != nil {
		return ctrl.Result{}, err
	}

	key := archiveKey(backup)
	info, err := bucket.Head(ctx, key)
	if errors.Is(err, objectstorage.ErrObjectNotFound) {
		logger.Info("worker succeeded but the archive is missing", "key", key)
		r.locks.Release(instanceNN, jobNN)
		return ctrl.Result{}, r.markFailed(ctx, backup, fmt.Sprintf("archive %s not found after upload", key))
	}
	if err != nil {
		return ctrl.Result{}, err
	}

	sha256sum := ""
	if raw, err := bucket.Get(ctx, key+".sha256"); err == nil {
		// sha256sum(1) output: "<digest>  <filename>".
		if fields := strings.Fields(string(raw)); len(fields) > 0 {
			sha256sum = fields[0]
		}
	} else if !errors.Is(err, objectstorage.ErrObjectNotFound) {
		return ctrl.Result{}, err
	}

	if err := updateStatus(ctx, r.Client, backup, func() error {
		backup.Status.Phase = odoov1.JobPhaseSucceeded
		backup.Status.FinishedAt = ptr.To(metav1.Now())
		backup.Status.ArchiveKey = key
		backup.Status.ArchiveSizeBytes = info.Size
		backup.Status.ArchiveSHA256 = sha256sum
		meta.SetStatusCondition(&backup.Status.Conditions, metav1.Condition{
			Type:   odoov1.JobConditionProgressing,
			Status: metav1.ConditionFalse,
			Reason: odoov1.JobReasonCompleted,
		})
		return nil
	}); err != nil {
		return ctrl.Result{}, err
	}

	if backup.Status.StartedAt != nil && backup.Status.FinishedAt != nil {
		metrics.BackupDuration.
			WithLabelValues(backup.Namespace, backup.Spec.InstanceRef.Name).
			Observe(backup.Status.FinishedAt.Sub(backup.Status.StartedAt.Time).Seconds())
	}

	r.locks.Release(instanceNN, jobNN)
	logger.Info("backup completed", "key", key, "size", info.Size)
	return ctrl.Result{}, nil
}

func (r *OdooBackupJobReconciler) markFailed(ctx context.Context, backup *odoov1.OdooBackupJob, message string) error {
	return updateStatus(ctx, r.Client, backup, func() error {
		backup.Status.Phase = odoov1.JobPhaseFailed
		backup.Status.FinishedAt = ptr.To(metav1.Now())
		meta.SetStatusCondition(&backup.Status.Conditions, metav1.Condition{
			Type:    odoov1.JobConditionProgressing,
			Status:  metav1.ConditionFalse,
			Reason:  odoov1.JobReasonFailed,
			Message: message,
		})
		return nil
	})
}

// finalize releases the lock, removes the worker, and deletes the
// archive unless retention is requested.
func (r *OdooBackupJobReconciler) finalize(ctx context.Context, backup *odoov1.OdooBackupJob) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if !controllerutil.ContainsFinalizer(backup, odoov1.OdooBackupJobFinalizerName) {
		return ctrl.Result{}, nil
	}

	instanceNN := types.NamespacedName{Namespace: backup.Namespace, Name: backup.Spec.InstanceRef.Name}
	jobNN := types.NamespacedName{Namespace: backup.Namespace, Name: backup.Name}
	r.locks.Release(instanceNN, jobNN)

	worker := batchv1.Job{ObjectMeta: metav1.ObjectMeta{Namespace: backup.Namespace, Name: MakeBackupWorkerJobName(backup)}}
	propagation := metav1.DeletePropagationBackground
	if err := r.Delete(ctx, &worker, &client.DeleteOptions{PropagationPolicy: &propagation}); err != nil && !aerrors.IsNotFound(err) {
		return ctrl.Result{}, err
	}

	if backup.Status.ArchiveKey != "" && !backup.ShouldRetainArchive() {
		bucket, err := r.openBucket(ctx, backup.Namespace, &backup.Spec.Destination)
		if err != nil {
			return ctrl.Result{}, err
		}
		for _, key := range []string{backup.Status.ArchiveKey, backup.Status.ArchiveKey + ".sha256"} {
			if err := bucket.Delete(ctx, key); err != nil {
				return ctrl.Result{}, err
			}
		}
		logger.Info("deleted archive", "key", backup.Status.ArchiveKey)
	}

	controllerutil.RemoveFinalizer(backup, odoov1.OdooBackupJobFinalizerName)
	if err := r.Update(ctx, backup); err != nil {
		logger.Error(err, "failed to remove finalizer")
		return ctrl.Result{}, err
	}
	return ctrl.Result{}, nil
}

func (r *OdooBackupJobReconciler) openBucket(ctx context.Context, namespace string, spec *odoov1.ObjectStorageSpec) (objectstorage.Bucket, error) {
	accessKey, secretKey, err := readObjectStorageCredentials(ctx, r.Client, namespace, spec)
	if err != nil {
		return nil, err
	}
	return r.newBucket(ctx, spec, accessKey, secretKey)
}

func readObjectStorageCredentials(ctx context.Context, c client.Client, namespace string, spec *odoov1.ObjectStorageSpec) (string, string, error) {
	if spec.CredentialsSecretRef == nil {
		return "", "", nil
	}
	var secret corev1.Secret
	if err := c.Get(ctx, types.NamespacedName{Namespace: namespace, Name: spec.CredentialsSecretRef.Name}, &secret); err != nil {
		return "", "", fmt.Errorf("failed to get the object storage secret %s: %w", spec.CredentialsSecretRef.Name, err)
	}
	accessKey, ok := secret.Data[odoov1.ObjectStorageAccessKey]
	if !ok {
		return "", "", fmt.Errorf("secret %s has no key %s", spec.CredentialsSecretRef.Name, odoov1.ObjectStorageAccessKey)
	}
	secretKey, ok := secret.Data[odoov1.ObjectStorageSecretKey]
	if !ok {
		return "", "", fmt.Errorf("secret %s has no key %s", spec.CredentialsSecretRef.Name, odoov1.ObjectStorageSecretKey)
	}
	return string(accessKey), string(secretKey), nil
}

func objectStorageEnv(spec *odoov1.ObjectStorageSpec, objName string) []corev1.EnvVar {
	env := []corev1.EnvVar{
		{Name: "OBJECT_STORAGE_ENDPOINT", Value: spec.Endpoint},
		{Name: "BUCKET_NAME", Value: spec.Bucket},
		{Name: "OBJ_NAME", Value: objName},
	}
	if ref := spec.CredentialsSecretRef; ref != nil {
		env = append(env,
			corev1.EnvVar{
				Name: "AWS_ACCESS_KEY_ID",
				ValueFrom: &corev1.EnvVarSource{
					SecretKeyRef: &corev1.SecretKeySelector{
						LocalObjectReference: *ref,
						Key:                  odoov1.ObjectStorageAccessKey,
					},
				},
			},
			corev1.EnvVar{
				Name: "AWS_SECRET_ACCESS_KEY",
				ValueFrom: &corev1.EnvVarSource{
					SecretKeyRef: &corev1.SecretKeySelector{
						LocalObjectReference: *ref,
						Key:                  odoov1.ObjectStorageSecretKey,
					},
				},
			},
		)
	}
	return env
}

func pgEnv(credentialsSecret string) []corev1.EnvVar {
	return []corev1.EnvVar{
		dbEnvVar("PGHOST", credentialsSecret, "host"),
		dbEnvVar("PGPORT", credentialsSecret, "port"),
		dbEnvVar("PGUSER", credentialsSecret, "username"),
		dbEnvVar("PGPASSWORD", credentialsSecret, "password"),
		dbEnvVar("DB_NAME", credentialsSecret, "database"),
	}
}

func (r *OdooBackupJobReconciler) createWorkerJob(ctx context.Context, backup *odoov1.OdooBackupJob, instance *odoov1.OdooInstance) error {
	credentials := dbCredentialsSecretName(instance)
	objName := archiveKey(backup)

	var worker batchv1.Job
	worker.SetName(MakeBackupWorkerJobName(backup))
	worker.SetNamespace(backup.Namespace)
	_, err := ctrl.CreateOrUpdate(ctx, r.Client, &worker, func() error {
		labels := instanceLabels(instance, labelComponentBackupJob)
		worker.SetLabels(labels)
		worker.Spec.BackoffLimit = ptr.To(int32(0))
		worker.Spec.Template = corev1.PodTemplateSpec{
			ObjectMeta: metav1.ObjectMeta{Labels: labels},
			Spec: corev1.PodSpec{
				RestartPolicy: corev1.RestartPolicyNever,
				InitContainers: []corev1.Container{
					{
						Name:            "backup",
						Image:           instance.Spec.Image,
						ImagePullPolicy: corev1.PullIfNotPresent,
						Command:         []string{"/bin/bash", "-c", embedBackupScript},
						Env: append(pgEnv(credentials),
							corev1.EnvVar{Name: "FILESTORE_DIR", Value: filestoreMountPath + "/filestore"},
							corev1.EnvVar{Name: "WORK_DIR", Value: "/backup"},
						),
						VolumeMounts: []corev1.VolumeMount{
							{Name: "filestore", MountPath: filestoreMountPath, ReadOnly: true},
							{Name: workVolumeName, MountPath: "/backup"},
						},
					},
				},
				Containers: []corev1.Container{
					{
						Name:            "upload",
						Image:           r.defaults.MCImage,
						ImagePullPolicy: corev1.PullIfNotPresent,
						Command:         []string{"/bin/bash", "-c", embedUploadScript},
						Env: append(objectStorageEnv(&backup.Spec.Destination, objName),
							corev1.EnvVar{Name: "WORK_DIR", Value: "/backup"},
						),
						VolumeMounts: []corev1.VolumeMount{
							{Name: workVolumeName, MountPath: "/backup"},
						},
					},
				},
				Volumes: []corev1.Volume{
					{
						Name: "filestore",
						VolumeSource: corev1.VolumeSource{
							PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
								ClaimName: filestorePVCName(instance),
								ReadOnly:  true,
							},
						},
					},
					{
						Name: workVolumeName,
						VolumeSource: corev1.VolumeSource{
							EmptyDir: &corev1.EmptyDirVolumeSource{},
						},
					},
				},
			},
		}
		return controllerutil.SetControllerReference(backup, &worker, r.Scheme)
	})
	return err
}

// SetupWithManager sets up the controller with the Manager.
func (r *OdooBackupJobReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&odoov1.OdooBackupJob{}).
		Owns(&batchv1.Job{}).
		WithOptions(defaultControllerOptions()).
		Complete(r)
}
