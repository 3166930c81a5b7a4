package controller

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	odoov1 "github.com/cybozu-go/odoo-operator/api/v1"
	"github.com/cybozu-go/odoo-operator/internal/dbadmin"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/workqueue"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
)

// maxReconcileRetries is the per-generation failure budget. Once spent,
// the resource is marked stalled and left alone until its spec changes or
// the periodic resync picks it up again.
const maxReconcileRetries = 8

// requeueAfterDefault re-drives reconciliations that wait on an external
// condition (busy database, running worker) without burning the retry
// budget.
const requeueAfterDefault = 10 * time.Second

func requeueReconciliation() ctrl.Result {
	return ctrl.Result{RequeueAfter: requeueAfterDefault}
}

// Metric label values for the stall counter.
const (
	instanceKind   = "OdooInstance"
	backupJobKind  = "OdooBackupJob"
	restoreJobKind = "OdooRestoreJob"
	scheduleKind   = "OdooBackupSchedule"
)

// isStalled reports whether the retry budget for the current generation
// has been spent. A new generation resets the verdict even while the
// stale condition is still recorded.
func isStalled(conditions []metav1.Condition, generation int64) bool {
	cond := meta.FindStatusCondition(conditions, odoov1.ConditionStalled)
	return cond != nil && cond.Status == metav1.ConditionTrue && cond.ObservedGeneration == generation
}

// isDatabaseConflict matches the retryable drop/clone refusals. These
// resolve once connections drain and must not burn the retry budget.
func isDatabaseConflict(err error) bool {
	return errors.Is(err, dbadmin.ErrDatabaseInUse) || errors.Is(err, dbadmin.ErrSourceDatabaseInUse)
}

// defaultControllerOptions applies the exponential per-item backoff shared
// by every reconciler: 500ms doubling up to 60s.
func defaultControllerOptions() controller.Options {
	return controller.Options{
		RateLimiter: workqueue.NewItemExponentialFailureRateLimiter(500*time.Millisecond, 60*time.Second),
	}
}

func updateStatus(ctx context.Context, client client.Client, obj client.Object, mutator func() error) error {
	if err := client.Get(ctx, types.NamespacedName{Name: obj.GetName(), Namespace: obj.GetNamespace()}, obj); err != nil {
		return err
	}
	if err := mutator(); err != nil {
		return err
	}
	if err := client.Status().Update(ctx, obj); err != nil {
		return err
	}
	return nil
}

// IsJobConditionTrue returns true when the conditionType is present and set to
// `metav1.ConditionTrue`.  Otherwise, it returns false.  Note that we can't use
// meta.IsStatusConditionTrue because it doesn't accept []JobCondition.
func IsJobConditionTrue(conditions []batchv1.JobCondition, conditionType batchv1.JobConditionType) bool {
	for _, cond := range conditions {
		if cond.Type == conditionType && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

// activeJobHolder returns the name of a Running backup or restore job,
// other than self, that holds the given instance. The in-memory locks
// are empty after an operator restart; the Running phase recorded in
// the status is the durable record of who owns the instance, so
// admission consults it before contending for the lock.
func activeJobHolder(ctx context.Context, c client.Client, namespace, instanceName string, self types.UID) (string, error) {
	var backups odoov1.OdooBackupJobList
	if err := c.List(ctx, &backups, client.InNamespace(namespace)); err != nil {
		return "", err
	}
	for _, job := range backups.Items {
		if job.GetUID() == self || job.Status.Phase != odoov1.JobPhaseRunning {
			continue
		}
		if job.Spec.InstanceRef.Name == instanceName {
			return job.Name, nil
		}
	}

	var restores odoov1.OdooRestoreJobList
	if err := c.List(ctx, &restores, client.InNamespace(namespace)); err != nil {
		return "", err
	}
	for _, job := range restores.Items {
		if job.GetUID() == self || job.Status.Phase != odoov1.JobPhaseRunning {
			continue
		}
		if job.Spec.InstanceRef.Name == instanceName ||
			(job.Spec.Source.Type == odoov1.RestoreSourceInstance && job.Spec.Source.InstanceName == instanceName) {
			return job.Name, nil
		}
	}
	return "", nil
}

// specHash fingerprints a spec for change detection. JSON encoding is
// stable for our types, and base62(sha224) keeps the result short enough
// for a status field.
func specHash(obj any) (string, error) {
	hasher := sha256.New224()
	encoder := json.NewEncoder(hasher)
	if err := encoder.Encode(obj); err != nil {
		return "", fmt.Errorf("failed to encode object: %w", err)
	}

	var i big.Int
	i.SetBytes(hasher.Sum(nil))
	return i.Text(62), nil
}
