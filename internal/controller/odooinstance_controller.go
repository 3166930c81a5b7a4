package controller

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	_ "embed"

	odoov1 "github.com/cybozu-go/odoo-operator/api/v1"
	"github.com/cybozu-go/odoo-operator/internal/controller/metrics"
	"github.com/cybozu-go/odoo-operator/internal/dbadmin"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	aerrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/intstr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	OdooInstanceFinalizerName = "odooinstance.odoo.cybozu.io/finalizer"

	// PurgeAnnotation makes deletion drop the database role and the
	// filestore PVC as well. Without it both are retained.
	PurgeAnnotation = "odoo.cybozu.io/purge"

	// SuspendedByAnnotation scales the workload to zero while a restore
	// job replaces its data. The value is the namespaced name of the
	// owning job.
	SuspendedByAnnotation = "odoo.cybozu.io/suspended-by"

	labelAppNameValue        = "odoo"
	labelComponentWorkload   = "workload"
	labelComponentBackupJob  = "backup-job"
	labelComponentRestoreJob = "restore-job"

	odooHTTPPort      = 8069
	odooWebsocketPort = 8072

	odooHealthPath = "/web/health"

	filestoreMountPath = "/var/lib/odoo"
	addonsMountPath    = "/mnt/extra-addons"
)

//go:embed script/addon-sync.sh
var embedAddonSyncScript string

// OperatorDefaults carries operator-scoped settings every instance
// inherits.
type OperatorDefaults struct {
	// Release distinguishes roles of several operator deployments
	// sharing one PostgreSQL cluster. Part of every role name.
	Release string

	// DBHost/DBPort locate the shared PostgreSQL cluster, as seen from
	// the instance pods.
	DBHost string
	DBPort int

	// GitImage runs the addon-sync init containers.
	GitImage string

	// MCImage runs the archive upload and download steps of worker jobs.
	MCImage string
}

// OdooInstanceReconciler reconciles a OdooInstance object
type OdooInstanceReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	dbAdmin  dbadmin.DBAdmin
	defaults OperatorDefaults

	// reconcileLock makes the per-name serialization guarantee explicit
	// for callers that drive Reconcile directly.
	reconcileLock keyedMutex
}

func NewOdooInstanceReconciler(
	client client.Client,
	scheme *runtime.Scheme,
	dbAdmin dbadmin.DBAdmin,
	defaults OperatorDefaults,
) *OdooInstanceReconciler {
	if defaults.GitImage == "" {
		defaults.GitImage = "alpine/git:latest"
	}
	return &OdooInstanceReconciler{
		Client:   client,
		Scheme:   scheme,
		dbAdmin:  dbAdmin,
		defaults: defaults,
	}
}

func (r *OdooInstanceReconciler) roleName(instance *odoov1.OdooInstance) string {
	return dbadmin.RoleName(instance.Namespace, r.defaults.Release, instance.Name)
}

func adminPasswordSecretName(instance *odoov1.OdooInstance) string {
	return instance.Name + "-admin-password"
}

func dbCredentialsSecretName(instance *odoov1.OdooInstance) string {
	return "odoo-db-credentials-" + instance.Name
}

func filestorePVCName(instance *odoov1.OdooInstance) string {
	return instance.Name + "-filestore"
}

func odooConfConfigMapName(instance *odoov1.OdooInstance) string {
	return instance.Name + "-odoo-conf"
}

func tlsSecretName(instance *odoov1.OdooInstance) string {
	return instance.Name + "-tls"
}

//+kubebuilder:rbac:groups=odoo.cybozu.io,resources=odooinstances,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=odoo.cybozu.io,resources=odooinstances/status,verbs=get;update;patch
//+kubebuilder:rbac:groups=odoo.cybozu.io,resources=odooinstances/finalizers,verbs=update
//+kubebuilder:rbac:groups=apps,resources=deployments,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=core,resources=services,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=core,resources=configmaps,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=core,resources=secrets,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=core,resources=persistentvolumeclaims,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=networking.k8s.io,resources=ingresses,verbs=get;list;watch;create;update;patch;delete

func (r *OdooInstanceReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	unlock := r.reconcileLock.lock(req.NamespacedName)
	defer unlock()

	var instance odoov1.OdooInstance
	err := r.Get(ctx, req.NamespacedName, &instance)
	if aerrors.IsNotFound(err) {
		return ctrl.Result{}, nil
	}
	if err != nil {
		logger.Error(err, "failed to get OdooInstance")
		return ctrl.Result{}, err
	}

	if !instance.DeletionTimestamp.IsZero() {
		return r.finalize(ctx, &instance)
	}

	if err := instance.ValidateSpec(); err != nil {
		// A bad spec is not retried; the condition clears on the next
		// generation.
		logger.Info("spec validation failed", "error", err)
		return ctrl.Result{}, updateStatus(ctx, r.Client, &instance, func() error {
			meta.SetStatusCondition(&instance.Status.Conditions, metav1.Condition{
				Type:               odoov1.InstanceConditionValidSpec,
				Status:             metav1.ConditionFalse,
				Reason:             odoov1.InstanceReasonInvalidSpec,
				Message:            err.Error(),
				ObservedGeneration: instance.Generation,
			})
			return nil
		})
	}

	if isStalled(instance.Status.Conditions, instance.Generation) {
		// Retry budget spent for this generation; wait for a spec change
		// or the next resync.
		return ctrl.Result{}, nil
	}

	if !controllerutil.ContainsFinalizer(&instance, OdooInstanceFinalizerName) {
		controllerutil.AddFinalizer(&instance, OdooInstanceFinalizerName)
		if err := r.Update(ctx, &instance); err != nil {
			logger.Error(err, "failed to add finalizer", "finalizer", OdooInstanceFinalizerName)
			return ctrl.Result{}, err
		}
		return requeueReconciliation(), nil
	}

	// Suspension is part of the fingerprint so lifting it re-applies the
	// deployment even though the spec itself is unchanged.
	hash, err := specHash(struct {
		Spec        odoov1.OdooInstanceSpec
		SuspendedBy string
	}{instance.Spec, suspendedBy(&instance)})
	if err != nil {
		return ctrl.Result{}, err
	}

	// An unchanged spec skips the apply pass entirely; only the observed
	// phase is refreshed.
	if hash != instance.Status.AppliedSpecHash {
		if err := r.provision(ctx, &instance); err != nil {
			return r.failProvision(ctx, &instance, err)
		}
	}

	return ctrl.Result{}, r.updateInstanceStatus(ctx, &instance, hash)
}

// provision converges every owned object toward the spec. Each ensure
// step is idempotent; re-running after a crash completes whatever was
// left.
func (r *OdooInstanceReconciler) provision(ctx context.Context, instance *odoov1.OdooInstance) error {
	dbPassword, err := r.ensureDBCredentialsSecret(ctx, instance)
	if err != nil {
		return fmt.Errorf("db credentials secret: %w", err)
	}
	if err := r.dbAdmin.EnsureRoleAndDatabase(ctx, r.roleName(instance), dbPassword); err != nil {
		return fmt.Errorf("database role: %w", err)
	}
	adminPassword, err := r.ensureAdminPasswordSecret(ctx, instance)
	if err != nil {
		return fmt.Errorf("admin password secret: %w", err)
	}
	if err := r.ensureFilestorePVC(ctx, instance); err != nil {
		return fmt.Errorf("filestore pvc: %w", err)
	}
	if err := r.ensureConfigMap(ctx, instance, adminPassword); err != nil {
		return fmt.Errorf("odoo.conf configmap: %w", err)
	}
	if err := r.ensureService(ctx, instance); err != nil {
		return fmt.Errorf("service: %w", err)
	}
	if err := r.ensureIngress(ctx, instance); err != nil {
		return fmt.Errorf("ingress: %w", err)
	}
	if err := r.ensureDeployment(ctx, instance); err != nil {
		return fmt.Errorf("deployment: %w", err)
	}
	return nil
}

// failProvision books the failure against the per-generation retry
// budget. Conflict errors from the database do not count; they resolve
// on their own once connections drain.
func (r *OdooInstanceReconciler) failProvision(ctx context.Context, instance *odoov1.OdooInstance, provisionErr error) (ctrl.Result, error) {
	logger := log.FromContext(ctx)
	logger.Error(provisionErr, "failed to provision OdooInstance")

	if isDatabaseConflict(provisionErr) {
		return requeueReconciliation(), nil
	}

	stalled := false
	if err := updateStatus(ctx, r.Client, instance, func() error {
		instance.Status.RetryCount++
		if instance.Status.RetryCount >= maxReconcileRetries {
			stalled = true
			meta.SetStatusCondition(&instance.Status.Conditions, metav1.Condition{
				Type:               odoov1.ConditionStalled,
				Status:             metav1.ConditionTrue,
				Reason:             odoov1.ReasonRetryBudgetExhausted,
				Message:            provisionErr.Error(),
				ObservedGeneration: instance.Generation,
			})
		}
		return nil
	}); err != nil {
		return ctrl.Result{}, err
	}

	if stalled {
		metrics.ReconcileStalls.WithLabelValues(instanceKind).Inc()
		return ctrl.Result{}, nil
	}
	return ctrl.Result{}, provisionErr
}

func (r *OdooInstanceReconciler) updateInstanceStatus(ctx context.Context, instance *odoov1.OdooInstance, hash string) error {
	var deployment appsv1.Deployment
	deployFound := true
	err := r.Get(ctx, types.NamespacedName{Namespace: instance.Namespace, Name: instance.Name}, &deployment)
	if aerrors.IsNotFound(err) {
		deployFound = false
	} else if err != nil {
		return err
	}

	return updateStatus(ctx, r.Client, instance, func() error {
		instance.Status.AppliedSpecHash = hash
		instance.Status.RetryCount = 0
		meta.RemoveStatusCondition(&instance.Status.Conditions, odoov1.ConditionStalled)
		meta.SetStatusCondition(&instance.Status.Conditions, metav1.Condition{
			Type:               odoov1.InstanceConditionValidSpec,
			Status:             metav1.ConditionTrue,
			Reason:             odoov1.InstanceReasonNone,
			ObservedGeneration: instance.Generation,
		})

		if deployFound {
			instance.Status.ReadyReplicas = deployment.Status.ReadyReplicas
		} else {
			instance.Status.ReadyReplicas = 0
		}

		phase, available := r.derivePhase(instance, deployFound, &deployment)
		instance.Status.Phase = phase
		meta.SetStatusCondition(&instance.Status.Conditions, available)

		instance.Status.URL = ""
		if ing := instance.Spec.Ingress; ing != nil && ing.Enabled {
			scheme := "http"
			if ing.TLS {
				scheme = "https"
			}
			instance.Status.URL = scheme + "://" + ing.Hostname
		}
		return nil
	})
}

// derivePhase maps observed Deployment state to the coarse lifecycle
// phase. Degraded is entered only from Ready or Degraded, so a freshly
// rolling instance reads Provisioning, not Degraded.
func (r *OdooInstanceReconciler) derivePhase(
	instance *odoov1.OdooInstance,
	deployFound bool,
	deployment *appsv1.Deployment,
) (odoov1.InstancePhase, metav1.Condition) {
	available := metav1.Condition{
		Type:               odoov1.InstanceConditionAvailable,
		ObservedGeneration: instance.Generation,
	}

	if suspendedBy(instance) != "" || instance.Spec.Stopped {
		available.Status = metav1.ConditionFalse
		available.Reason = odoov1.InstanceReasonStopped
		return odoov1.InstancePhaseReady, available
	}

	if !deployFound {
		available.Status = metav1.ConditionFalse
		available.Reason = odoov1.InstanceReasonProvisioning
		return odoov1.InstancePhasePending, available
	}

	desired := instance.DesiredReplicas()
	if deployment.Status.ReadyReplicas >= desired && desired > 0 {
		available.Status = metav1.ConditionTrue
		available.Reason = odoov1.InstanceReasonNone
		return odoov1.InstancePhaseReady, available
	}

	wasHealthy := instance.Status.Phase == odoov1.InstancePhaseReady ||
		instance.Status.Phase == odoov1.InstancePhaseDegraded
	if wasHealthy {
		available.Status = metav1.ConditionFalse
		available.Reason = odoov1.InstanceReasonHealthDegraded
		available.Message = fmt.Sprintf("%d/%d replicas ready", deployment.Status.ReadyReplicas, desired)
		return odoov1.InstancePhaseDegraded, available
	}

	available.Status = metav1.ConditionFalse
	available.Reason = odoov1.InstanceReasonUnavailable
	available.Message = fmt.Sprintf("%d/%d replicas ready", deployment.Status.ReadyReplicas, desired)
	return odoov1.InstancePhaseProvisioning, available
}

// finalize tears down owned objects. The database role and the
// filestore PVC are retained unless the purge annotation is set.
func (r *OdooInstanceReconciler) finalize(ctx context.Context, instance *odoov1.OdooInstance) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if !controllerutil.ContainsFinalizer(instance, OdooInstanceFinalizerName) {
		return ctrl.Result{}, nil
	}

	if instance.Status.Phase != odoov1.InstancePhaseTerminating {
		if err := updateStatus(ctx, r.Client, instance, func() error {
			instance.Status.Phase = odoov1.InstancePhaseTerminating
			return nil
		}); err != nil {
			return ctrl.Result{}, err
		}
	}

	if instance.Annotations[PurgeAnnotation] == "true" {
		role := r.roleName(instance)
		if err := r.dbAdmin.DropRoleAndDatabase(ctx, role); err != nil {
			if isDatabaseConflict(err) {
				if err := r.dbAdmin.TerminateBackends(ctx, role); err != nil {
					logger.Error(err, "failed to terminate backends", "role", role)
				}
				return requeueReconciliation(), nil
			}
			return ctrl.Result{}, err
		}
	}

	toDelete := []client.Object{
		&appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Namespace: instance.Namespace, Name: instance.Name}},
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Namespace: instance.Namespace, Name: instance.Name}},
		&networkingv1.Ingress{ObjectMeta: metav1.ObjectMeta{Namespace: instance.Namespace, Name: instance.Name}},
		&corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Namespace: instance.Namespace, Name: odooConfConfigMapName(instance)}},
		&corev1.Secret{ObjectMeta: metav1.ObjectMeta{Namespace: instance.Namespace, Name: adminPasswordSecretName(instance)}},
		&corev1.Secret{ObjectMeta: metav1.ObjectMeta{Namespace: instance.Namespace, Name: dbCredentialsSecretName(instance)}},
	}
	if instance.Annotations[PurgeAnnotation] == "true" {
		toDelete = append(toDelete,
			&corev1.PersistentVolumeClaim{ObjectMeta: metav1.ObjectMeta{Namespace: instance.Namespace, Name: filestorePVCName(instance)}})
	}
	for _, obj := range toDelete {
		if err := r.Delete(ctx, obj); err != nil && !aerrors.IsNotFound(err) {
			return ctrl.Result{}, err
		}
	}

	controllerutil.RemoveFinalizer(instance, OdooInstanceFinalizerName)
	if err := r.Update(ctx, instance); err != nil {
		logger.Error(err, "failed to remove finalizer", "finalizer", OdooInstanceFinalizerName)
		return ctrl.Result{}, err
	}

	return ctrl.Result{}, nil
}

func (r *OdooInstanceReconciler) ensureDBCredentialsSecret(ctx context.Context, instance *odoov1.OdooInstance) (string, error) {
	role := r.roleName(instance)
	var secret corev1.Secret
	secret.SetName(dbCredentialsSecretName(instance))
	secret.SetNamespace(instance.Namespace)
	if _, err := ctrl.CreateOrUpdate(ctx, r.Client, &secret, func() error {
		if secret.Data == nil {
			secret.Data = map[string][]byte{}
		}
		// The password is generated once; everything else tracks the
		// operator configuration.
		if _, ok := secret.Data["password"]; !ok {
			secret.Data["password"] = []byte(generatePassword())
		}
		secret.Data["host"] = []byte(r.defaults.DBHost)
		secret.Data["port"] = []byte(strconv.Itoa(r.defaults.DBPort))
		secret.Data["username"] = []byte(role)
		secret.Data["database"] = []byte(role)
		return controllerutil.SetControllerReference(instance, &secret, r.Scheme)
	}); err != nil {
		return "", err
	}
	return string(secret.Data["password"]), nil
}

func (r *OdooInstanceReconciler) ensureAdminPasswordSecret(ctx context.Context, instance *odoov1.OdooInstance) (string, error) {
	if ref := instance.Spec.AdminPasswordSecretRef; ref != nil {
		var secret corev1.Secret
		if err := r.Get(ctx, types.NamespacedName{Namespace: instance.Namespace, Name: ref.Name}, &secret); err != nil {
			return "", fmt.Errorf("failed to get the referenced secret %s: %w", ref.Name, err)
		}
		password, ok := secret.Data[ref.Key]
		if !ok {
			return "", fmt.Errorf("secret %s has no key %s", ref.Name, ref.Key)
		}
		return string(password), nil
	}

	var secret corev1.Secret
	secret.SetName(adminPasswordSecretName(instance))
	secret.SetNamespace(instance.Namespace)
	if _, err := ctrl.CreateOrUpdate(ctx, r.Client, &secret, func() error {
		if secret.Data == nil {
			secret.Data = map[string][]byte{}
		}
		if _, ok := secret.Data["password"]; !ok {
			secret.Data["password"] = []byte(generatePassword())
		}
		return controllerutil.SetControllerReference(instance, &secret, r.Scheme)
	}); err != nil {
		return "", err
	}
	return string(secret.Data["password"]), nil
}

func (r *OdooInstanceReconciler) ensureFilestorePVC(ctx context.Context, instance *odoov1.OdooInstance) error {
	var pvc corev1.PersistentVolumeClaim
	pvc.SetName(filestorePVCName(instance))
	pvc.SetNamespace(instance.Namespace)
	_, err := ctrl.CreateOrUpdate(ctx, r.Client, &pvc, func() error {
		if pvc.ResourceVersion == "" {
			pvc.Spec = corev1.PersistentVolumeClaimSpec{
				AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
				Resources: corev1.ResourceRequirements{
					Requests: corev1.ResourceList{
						corev1.ResourceStorage: instance.Spec.Filestore.Size,
					},
				},
				StorageClassName: instance.Spec.Filestore.StorageClassName,
			}
		} else {
			// Only apply growth; the webhook already rejected shrinks.
			current := pvc.Spec.Resources.Requests[corev1.ResourceStorage]
			if instance.Spec.Filestore.Size.Cmp(current) > 0 {
				pvc.Spec.Resources.Requests[corev1.ResourceStorage] = instance.Spec.Filestore.Size
			}
		}
		// No owner reference. The filestore outlives the instance unless
		// the purge annotation is set, in which case finalize deletes it
		// explicitly.
		return nil
	})
	return err
}

func (r *OdooInstanceReconciler) ensureConfigMap(ctx context.Context, instance *odoov1.OdooInstance, adminPassword string) error {
	var cm corev1.ConfigMap
	cm.SetName(odooConfConfigMapName(instance))
	cm.SetNamespace(instance.Namespace)
	_, err := ctrl.CreateOrUpdate(ctx, r.Client, &cm, func() error {
		cm.Data = map[string]string{
			"odoo.conf": buildOdooConf(r.roleName(instance), adminPassword, instance.Spec.ConfigOptions),
		}
		return controllerutil.SetControllerReference(instance, &cm, r.Scheme)
	})
	return err
}

// buildOdooConf renders odoo.conf with a stable key order so an
// unchanged spec yields a byte-identical ConfigMap.
func buildOdooConf(dbUser, adminPassword string, extra map[string]string) string {
	options := map[string]string{
		"data_dir":       filestoreMountPath,
		"addons_path":    addonsMountPath,
		"db_user":        dbUser,
		"db_name":        dbUser,
		"list_db":        "False",
		"proxy_mode":     "True",
		"http_interface": "0.0.0.0",
		"http_port":      strconv.Itoa(odooHTTPPort),
	}
	if adminPassword != "" {
		options["admin_passwd"] = adminPassword
	}
	for k, v := range extra {
		options[k] = v
	}

	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("[options]\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = %s\n", k, options[k])
	}
	return b.String()
}

func (r *OdooInstanceReconciler) ensureService(ctx context.Context, instance *odoov1.OdooInstance) error {
	var svc corev1.Service
	svc.SetName(instance.Name)
	svc.SetNamespace(instance.Namespace)
	_, err := ctrl.CreateOrUpdate(ctx, r.Client, &svc, func() error {
		svc.SetLabels(instanceLabels(instance, labelComponentWorkload))
		svc.Spec.Type = corev1.ServiceTypeClusterIP
		svc.Spec.Selector = instanceSelector(instance)
		svc.Spec.Ports = []corev1.ServicePort{
			{Name: "http", Port: odooHTTPPort, TargetPort: intstr.FromInt(odooHTTPPort), Protocol: corev1.ProtocolTCP},
			{Name: "websocket", Port: odooWebsocketPort, TargetPort: intstr.FromInt(odooWebsocketPort), Protocol: corev1.ProtocolTCP},
		}
		return controllerutil.SetControllerReference(instance, &svc, r.Scheme)
	})
	return err
}

func (r *OdooInstanceReconciler) ensureIngress(ctx context.Context, instance *odoov1.OdooInstance) error {
	spec := instance.Spec.Ingress
	if spec == nil || !spec.Enabled {
		// Spec may have disabled a previously created ingress.
		var ing networkingv1.Ingress
		ing.SetName(instance.Name)
		ing.SetNamespace(instance.Namespace)
		if err := r.Delete(ctx, &ing); err != nil && !aerrors.IsNotFound(err) {
			return err
		}
		return nil
	}

	pathTypePrefix := networkingv1.PathTypePrefix
	var ing networkingv1.Ingress
	ing.SetName(instance.Name)
	ing.SetNamespace(instance.Namespace)
	_, err := ctrl.CreateOrUpdate(ctx, r.Client, &ing, func() error {
		ing.SetLabels(instanceLabels(instance, labelComponentWorkload))
		ing.Spec.IngressClassName = spec.ClassName
		ing.Spec.Rules = []networkingv1.IngressRule{{
			Host: spec.Hostname,
			IngressRuleValue: networkingv1.IngressRuleValue{
				HTTP: &networkingv1.HTTPIngressRuleValue{
					Paths: []networkingv1.HTTPIngressPath{
						{
							Path:     "/websocket",
							PathType: &pathTypePrefix,
							Backend: networkingv1.IngressBackend{
								Service: &networkingv1.IngressServiceBackend{
									Name: instance.Name,
									Port: networkingv1.ServiceBackendPort{Number: odooWebsocketPort},
								},
							},
						},
						{
							Path:     "/",
							PathType: &pathTypePrefix,
							Backend: networkingv1.IngressBackend{
								Service: &networkingv1.IngressServiceBackend{
									Name: instance.Name,
									Port: networkingv1.ServiceBackendPort{Number: odooHTTPPort},
								},
							},
						},
					},
				},
			},
		}}
		if spec.TLS {
			ing.Spec.TLS = []networkingv1.IngressTLS{{
				Hosts:      []string{spec.Hostname},
				SecretName: tlsSecretName(instance),
			}}
		} else {
			ing.Spec.TLS = nil
		}
		return controllerutil.SetControllerReference(instance, &ing, r.Scheme)
	})
	return err
}

func (r *OdooInstanceReconciler) ensureDeployment(ctx context.Context, instance *odoov1.OdooInstance) error {
	replicas := instance.DesiredReplicas()
	if suspendedBy(instance) != "" {
		replicas = 0
	}

	var deployment appsv1.Deployment
	deployment.SetName(instance.Name)
	deployment.SetNamespace(instance.Namespace)
	_, err := ctrl.CreateOrUpdate(ctx, r.Client, &deployment, func() error {
		deployment.SetLabels(instanceLabels(instance, labelComponentWorkload))
		deployment.Spec.Replicas = &replicas
		deployment.Spec.Selector = &metav1.LabelSelector{MatchLabels: instanceSelector(instance)}
		// The filestore PVC is RWO; two generations of the pod must not
		// run at once.
		deployment.Spec.Strategy = appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType}

		deployment.Spec.Template = corev1.PodTemplateSpec{
			ObjectMeta: metav1.ObjectMeta{
				Labels: instanceSelector(instance),
				Annotations: map[string]string{
					// Addon list changes must restart the pod so the
					// init containers re-fetch the repositories.
					"odoo.cybozu.io/addons-hash": addonsHash(instance.Spec.Addons),
				},
			},
			Spec: corev1.PodSpec{
				InitContainers: r.addonSyncInitContainers(instance),
				Containers:     []corev1.Container{r.odooContainer(instance)},
				Volumes: []corev1.Volume{
					{
						Name: "filestore",
						VolumeSource: corev1.VolumeSource{
							PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
								ClaimName: filestorePVCName(instance),
							},
						},
					},
					{
						Name: "odoo-conf",
						VolumeSource: corev1.VolumeSource{
							ConfigMap: &corev1.ConfigMapVolumeSource{
								LocalObjectReference: corev1.LocalObjectReference{Name: odooConfConfigMapName(instance)},
							},
						},
					},
					{
						Name: "addons",
						VolumeSource: corev1.VolumeSource{
							EmptyDir: &corev1.EmptyDirVolumeSource{},
						},
					},
				},
			},
		}
		return controllerutil.SetControllerReference(instance, &deployment, r.Scheme)
	})
	return err
}

func (r *OdooInstanceReconciler) addonSyncInitContainers(instance *odoov1.OdooInstance) []corev1.Container {
	containers := make([]corev1.Container, 0, len(instance.Spec.Addons))
	for _, addon := range instance.Spec.Addons {
		branch := addon.Branch
		if branch == "" {
			branch = "main"
		}
		env := []corev1.EnvVar{
			{Name: "REPO", Value: addon.Repo},
			{Name: "BRANCH", Value: branch},
			{Name: "COMMIT", Value: addon.Commit},
			{Name: "SUBDIR", Value: addon.Path},
			{Name: "DEST", Value: addonsMountPath + "/" + addon.Name},
		}
		if ref := addon.CredentialsSecretRef; ref != nil {
			env = append(env,
				corev1.EnvVar{
					Name: "GIT_USERNAME",
					ValueFrom: &corev1.EnvVarSource{
						SecretKeyRef: &corev1.SecretKeySelector{
							LocalObjectReference: *ref,
							Key:                  "username",
						},
					},
				},
				corev1.EnvVar{
					Name: "GIT_PASSWORD",
					ValueFrom: &corev1.EnvVarSource{
						SecretKeyRef: &corev1.SecretKeySelector{
							LocalObjectReference: *ref,
							Key:                  "password",
						},
					},
				},
			)
		}
		containers = append(containers, corev1.Container{
			Name:            "addon-" + addon.Name,
			Image:           r.defaults.GitImage,
			ImagePullPolicy: corev1.PullIfNotPresent,
			Command:         []string{"/bin/sh", "-c", embedAddonSyncScript},
			Env:             env,
			VolumeMounts: []corev1.VolumeMount{
				{Name: "addons", MountPath: addonsMountPath},
			},
		})
	}
	return containers
}

func (r *OdooInstanceReconciler) odooContainer(instance *odoov1.OdooInstance) corev1.Container {
	credentials := dbCredentialsSecretName(instance)
	container := corev1.Container{
		Name:            "odoo",
		Image:           instance.Spec.Image,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Ports: []corev1.ContainerPort{
			{Name: "http", ContainerPort: odooHTTPPort},
			{Name: "websocket", ContainerPort: odooWebsocketPort},
		},
		Env: []corev1.EnvVar{
			dbEnvVar("HOST", credentials, "host"),
			dbEnvVar("PORT", credentials, "port"),
			dbEnvVar("USER", credentials, "username"),
			dbEnvVar("PASSWORD", credentials, "password"),
		},
		VolumeMounts: []corev1.VolumeMount{
			{Name: "filestore", MountPath: filestoreMountPath},
			{Name: "odoo-conf", MountPath: "/etc/odoo"},
			{Name: "addons", MountPath: addonsMountPath, ReadOnly: true},
		},
		StartupProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{Path: odooHealthPath, Port: intstr.FromInt(odooHTTPPort)},
			},
			InitialDelaySeconds: 5,
			PeriodSeconds:       10,
			TimeoutSeconds:      5,
			FailureThreshold:    30,
		},
		LivenessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{Path: odooHealthPath, Port: intstr.FromInt(odooHTTPPort)},
			},
			PeriodSeconds:    15,
			TimeoutSeconds:   5,
			FailureThreshold: 3,
		},
		ReadinessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{Path: odooHealthPath, Port: intstr.FromInt(odooHTTPPort)},
			},
			PeriodSeconds:    10,
			TimeoutSeconds:   5,
			FailureThreshold: 3,
		},
	}
	if instance.Spec.Resources != nil {
		container.Resources = *instance.Spec.Resources
	}
	return container
}

func dbEnvVar(name, secretName, key string) corev1.EnvVar {
	return corev1.EnvVar{
		Name: name,
		ValueFrom: &corev1.EnvVarSource{
			SecretKeyRef: &corev1.SecretKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: secretName},
				Key:                  key,
			},
		},
	}
}

func instanceLabels(instance *odoov1.OdooInstance, component string) map[string]string {
	return map[string]string{
		"app.kubernetes.io/name":      labelAppNameValue,
		"app.kubernetes.io/instance":  instance.Name,
		"app.kubernetes.io/component": component,
	}
}

func instanceSelector(instance *odoov1.OdooInstance) map[string]string {
	return map[string]string{
		"app.kubernetes.io/name":     labelAppNameValue,
		"app.kubernetes.io/instance": instance.Name,
	}
}

// addonsHash fingerprints the addon list alone. The full spec hash is
// too broad here: only addon changes require the pod restart.
func addonsHash(addons []odoov1.AddonSpec) string {
	hash, err := specHash(addons)
	if err != nil {
		// specHash over JSON-encodable API types cannot fail.
		panic(err)
	}
	return hash
}

func suspendedBy(instance *odoov1.OdooInstance) string {
	return instance.Annotations[SuspendedByAnnotation]
}

func generatePassword() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}

// SetupWithManager sets up the controller with the Manager.
func (r *OdooInstanceReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&odoov1.OdooInstance{}).
		Owns(&appsv1.Deployment{}).
		Owns(&corev1.Service{}).
		Owns(&networkingv1.Ingress{}).
		Owns(&corev1.ConfigMap{}).
		Owns(&corev1.Secret{}).
		Owns(&corev1.PersistentVolumeClaim{}).
		WithOptions(defaultControllerOptions()).
		Complete(r)
}
