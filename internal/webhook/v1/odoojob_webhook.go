package v1

import (
	"context"
	"errors"
	"fmt"

	odoov1 "github.com/cybozu-go/odoo-operator/api/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/webhook"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"
)

// SetupOdooBackupJobWebhookWithManager registers the webhook for OdooBackupJob in the manager.
func SetupOdooBackupJobWebhookWithManager(mgr ctrl.Manager) error {
	return ctrl.NewWebhookManagedBy(mgr).For(&odoov1.OdooBackupJob{}).
		WithValidator(&OdooBackupJobCustomValidator{}).
		Complete()
}

// SetupOdooRestoreJobWebhookWithManager registers the webhook for OdooRestoreJob in the manager.
func SetupOdooRestoreJobWebhookWithManager(mgr ctrl.Manager) error {
	return ctrl.NewWebhookManagedBy(mgr).For(&odoov1.OdooRestoreJob{}).
		WithValidator(&OdooRestoreJobCustomValidator{}).
		Complete()
}

// +kubebuilder:webhook:path=/validate-odoo-cybozu-io-v1-odoobackupjob,mutating=false,failurePolicy=fail,sideEffects=None,groups=odoo.cybozu.io,resources=odoobackupjobs,verbs=create;update,versions=v1,name=odoobackupjob.odoo.cybozu.io,admissionReviewVersions=v1

// OdooBackupJobCustomValidator enforces that a backup job's spec is
// complete at creation and frozen afterwards.
type OdooBackupJobCustomValidator struct{}

var _ webhook.CustomValidator = &OdooBackupJobCustomValidator{}

// ValidateCreate implements webhook.CustomValidator so a webhook will be registered for the type OdooBackupJob.
func (v *OdooBackupJobCustomValidator) ValidateCreate(_ context.Context, obj runtime.Object) (admission.Warnings, error) {
	backup, ok := obj.(*odoov1.OdooBackupJob)
	if !ok {
		return nil, fmt.Errorf("expected a OdooBackupJob object but got %T", obj)
	}
	if backup.Spec.InstanceRef.Name == "" {
		return nil, errors.New("spec.instanceRef.name must not be empty")
	}
	if backup.Spec.Destination.Bucket == "" {
		return nil, errors.New("spec.destination.bucket must not be empty")
	}
	if backup.Spec.Destination.Endpoint == "" {
		return nil, errors.New("spec.destination.endpoint must not be empty")
	}
	return nil, nil
}

// ValidateUpdate implements webhook.CustomValidator so a webhook will be registered for the type OdooBackupJob.
func (v *OdooBackupJobCustomValidator) ValidateUpdate(_ context.Context, oldObj, newObj runtime.Object) (admission.Warnings, error) {
	oldBackup, ok := oldObj.(*odoov1.OdooBackupJob)
	if !ok {
		return nil, fmt.Errorf("expected a OdooBackupJob object but got %T", oldObj)
	}
	newBackup, ok := newObj.(*odoov1.OdooBackupJob)
	if !ok {
		return nil, fmt.Errorf("expected a OdooBackupJob object but got %T", newObj)
	}
	if !equality.Semantic.DeepEqual(oldBackup.Spec, newBackup.Spec) {
		return nil, errors.New("spec is immutable")
	}
	return nil, nil
}

// ValidateDelete implements webhook.CustomValidator so a webhook will be registered for the type OdooBackupJob.
func (v *OdooBackupJobCustomValidator) ValidateDelete(_ context.Context, _ runtime.Object) (admission.Warnings, error) {
	return nil, nil
}

// +kubebuilder:webhook:path=/validate-odoo-cybozu-io-v1-odoorestorejob,mutating=false,failurePolicy=fail,sideEffects=None,groups=odoo.cybozu.io,resources=odoorestorejobs,verbs=create;update,versions=v1,name=odoorestorejob.odoo.cybozu.io,admissionReviewVersions=v1

// OdooRestoreJobCustomValidator enforces that a restore job names a
// coherent source at creation and is frozen afterwards.
type OdooRestoreJobCustomValidator struct{}

var _ webhook.CustomValidator = &OdooRestoreJobCustomValidator{}

// ValidateCreate implements webhook.CustomValidator so a webhook will be registered for the type OdooRestoreJob.
func (v *OdooRestoreJobCustomValidator) ValidateCreate(_ context.Context, obj runtime.Object) (admission.Warnings, error) {
	restore, ok := obj.(*odoov1.OdooRestoreJob)
	if !ok {
		return nil, fmt.Errorf("expected a OdooRestoreJob object but got %T", obj)
	}
	if restore.Spec.InstanceRef.Name == "" {
		return nil, errors.New("spec.instanceRef.name must not be empty")
	}
	if err := restore.ValidateSource(); err != nil {
		return nil, err
	}
	if restore.Spec.Source.Type == odoov1.RestoreSourceInstance &&
		restore.Spec.Source.InstanceName == restore.Spec.InstanceRef.Name {
		return nil, errors.New("spec.source.instanceName must differ from spec.instanceRef.name")
	}
	return nil, nil
}

// ValidateUpdate implements webhook.CustomValidator so a webhook will be registered for the type OdooRestoreJob.
func (v *OdooRestoreJobCustomValidator) ValidateUpdate(_ context.Context, oldObj, newObj runtime.Object) (admission.Warnings, error) {
	oldRestore, ok := oldObj.(*odoov1.OdooRestoreJob)
	if !ok {
		return nil, fmt.Errorf("expected a OdooRestoreJob object but got %T", oldObj)
	}
	newRestore, ok := newObj.(*odoov1.OdooRestoreJob)
	if !ok {
		return nil, fmt.Errorf("expected a OdooRestoreJob object but got %T", newObj)
	}
	if !equality.Semantic.DeepEqual(oldRestore.Spec, newRestore.Spec) {
		return nil, errors.New("spec is immutable")
	}
	return nil, nil
}

// ValidateDelete implements webhook.CustomValidator so a webhook will be registered for the type OdooRestoreJob.
func (v *OdooRestoreJobCustomValidator) ValidateDelete(_ context.Context, _ runtime.Object) (admission.Warnings, error) {
	return nil, nil
}
