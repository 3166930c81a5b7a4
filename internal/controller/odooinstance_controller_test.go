package controller

import (
	"context"
	"errors"
	"strings"

	odoov1 "github.com/cybozu-go/odoo-operator/api/v1"
	"github.com/cybozu-go/odoo-operator/internal/controller/internal/testutil"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	aerrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

func instanceRequest(namespace, name string) ctrl.Request {
	return ctrl.Request{NamespacedName: types.NamespacedName{Namespace: namespace, Name: name}}
}

var _ = Describe("OdooInstance controller", func() {
	ctx := context.Background()

	var k8sClient client.Client
	var dbAdmin *testutil.FakeDBAdmin
	var reconciler *OdooInstanceReconciler

	newReconciler := func(objs ...client.Object) {
		k8sClient = newTestClient(objs...)
		dbAdmin = testutil.NewFakeDBAdmin()
		reconciler = NewOdooInstanceReconciler(k8sClient, testScheme, dbAdmin, OperatorDefaults{
			Release: "odoo",
			DBHost:  "postgres.odoo-system.svc",
			DBPort:  5432,
		})
	}

	// settle drives the reconciler until it stops asking for a requeue.
	settle := func(namespace, name string) {
		for i := 0; i < 5; i++ {
			res, err := reconciler.Reconcile(ctx, instanceRequest(namespace, name))
			Expect(err).NotTo(HaveOccurred())
			if res.RequeueAfter == 0 {
				return
			}
		}
		Fail("reconciliation did not settle")
	}

	It("should provision every owned object for a fresh instance", func() {
		instance := testutil.NewOdooInstance("ns1", "erp")
		newReconciler(instance)

		settle("ns1", "erp")

		Expect(dbAdmin.HasRole("ns1-odoo-erp")).To(BeTrue())

		var secret corev1.Secret
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "odoo-db-credentials-erp"}, &secret)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(secret.Data["host"])).To(Equal("postgres.odoo-system.svc"))
		Expect(string(secret.Data["port"])).To(Equal("5432"))
		Expect(string(secret.Data["username"])).To(Equal("ns1-odoo-erp"))
		Expect(string(secret.Data["database"])).To(Equal("ns1-odoo-erp"))
		Expect(secret.Data["password"]).NotTo(BeEmpty())

		var adminSecret corev1.Secret
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp-admin-password"}, &adminSecret)
		Expect(err).NotTo(HaveOccurred())
		Expect(adminSecret.Data["password"]).NotTo(BeEmpty())

		var pvc corev1.PersistentVolumeClaim
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp-filestore"}, &pvc)
		Expect(err).NotTo(HaveOccurred())
		Expect(pvc.Spec.Resources.Requests[corev1.ResourceStorage]).To(Equal(resource.MustParse("1Gi")))
		// The filestore carries no owner reference so that garbage
		// collection cannot remove it when the instance is deleted.
		Expect(pvc.OwnerReferences).To(BeEmpty())

		var cm corev1.ConfigMap
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp-odoo-conf"}, &cm)
		Expect(err).NotTo(HaveOccurred())
		conf := cm.Data["odoo.conf"]
		Expect(conf).To(HavePrefix("[options]\n"))
		Expect(conf).To(ContainSubstring("db_user = ns1-odoo-erp"))
		Expect(conf).To(ContainSubstring("db_name = ns1-odoo-erp"))
		Expect(conf).To(ContainSubstring("list_db = False"))

		var svc corev1.Service
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &svc)
		Expect(err).NotTo(HaveOccurred())
		Expect(svc.Spec.Ports).To(HaveLen(2))

		var deployment appsv1.Deployment
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &deployment)
		Expect(err).NotTo(HaveOccurred())
		Expect(*deployment.Spec.Replicas).To(Equal(int32(1)))
		Expect(deployment.Spec.Strategy.Type).To(Equal(appsv1.RecreateDeploymentStrategyType))
		Expect(deployment.Spec.Template.Spec.Containers).To(HaveLen(1))
		Expect(deployment.Spec.Template.Spec.Containers[0].Image).To(Equal("ghcr.io/example/odoo:17.0"))

		var got odoov1.OdooInstance
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &got)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Finalizers).To(ContainElement(OdooInstanceFinalizerName))
		Expect(got.Status.AppliedSpecHash).NotTo(BeEmpty())
		Expect(got.Status.Phase).To(Equal(odoov1.InstancePhaseProvisioning))
		Expect(meta.IsStatusConditionTrue(got.Status.Conditions, odoov1.InstanceConditionValidSpec)).To(BeTrue())
	})

	It("should merge configOptions into odoo.conf with operator keys overridden", func() {
		instance := testutil.NewOdooInstance("ns1", "erp")
		instance.Spec.ConfigOptions = map[string]string{
			"workers": "4",
			"list_db": "True",
		}
		newReconciler(instance)

		settle("ns1", "erp")

		var cm corev1.ConfigMap
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp-odoo-conf"}, &cm)
		Expect(err).NotTo(HaveOccurred())
		Expect(cm.Data["odoo.conf"]).To(ContainSubstring("workers = 4"))
		Expect(cm.Data["odoo.conf"]).To(ContainSubstring("list_db = True"))
	})

	It("should manage the ingress together with the instance URL", func() {
		instance := testutil.NewOdooInstance("ns1", "erp")
		instance.Spec.Ingress = &odoov1.IngressSpec{
			Enabled:  true,
			Hostname: "erp.example.com",
			TLS:      true,
		}
		newReconciler(instance)

		settle("ns1", "erp")

		var ing networkingv1.Ingress
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &ing)
		Expect(err).NotTo(HaveOccurred())
		Expect(ing.Spec.Rules).To(HaveLen(1))
		Expect(ing.Spec.Rules[0].Host).To(Equal("erp.example.com"))
		paths := ing.Spec.Rules[0].HTTP.Paths
		Expect(paths).To(HaveLen(2))
		Expect(paths[0].Path).To(Equal("/websocket"))
		Expect(ing.Spec.TLS).To(HaveLen(1))
		Expect(ing.Spec.TLS[0].SecretName).To(Equal("erp-tls"))

		var got odoov1.OdooInstance
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &got)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status.URL).To(Equal("https://erp.example.com"))

		// Disabling the ingress removes the object again.
		got.Spec.Ingress = &odoov1.IngressSpec{Enabled: false}
		Expect(k8sClient.Update(ctx, &got)).To(Succeed())
		settle("ns1", "erp")

		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &ing)
		Expect(aerrors.IsNotFound(err)).To(BeTrue())
	})

	It("should skip the apply pass while the spec hash is unchanged", func() {
		instance := testutil.NewOdooInstance("ns1", "erp")
		newReconciler(instance)
		settle("ns1", "erp")

		// Drift introduced out of band stays until the spec changes.
		var deployment appsv1.Deployment
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &deployment)
		Expect(err).NotTo(HaveOccurred())
		deployment.Spec.Replicas = ptr.To(int32(5))
		Expect(k8sClient.Update(ctx, &deployment)).To(Succeed())

		settle("ns1", "erp")
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &deployment)
		Expect(err).NotTo(HaveOccurred())
		Expect(*deployment.Spec.Replicas).To(Equal(int32(5)))

		ensureCallsBefore := dbAdmin.CallCount("EnsureRoleAndDatabase")

		var got odoov1.OdooInstance
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &got)
		Expect(err).NotTo(HaveOccurred())
		got.Spec.Stopped = true
		Expect(k8sClient.Update(ctx, &got)).To(Succeed())

		settle("ns1", "erp")
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &deployment)
		Expect(err).NotTo(HaveOccurred())
		Expect(*deployment.Spec.Replicas).To(Equal(int32(0)))
		Expect(dbAdmin.CallCount("EnsureRoleAndDatabase")).To(Equal(ensureCallsBefore + 1))

		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &got)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status.Phase).To(Equal(odoov1.InstancePhaseReady))
		cond := meta.FindStatusCondition(got.Status.Conditions, odoov1.InstanceConditionAvailable)
		Expect(cond).NotTo(BeNil())
		Expect(cond.Reason).To(Equal(odoov1.InstanceReasonStopped))
	})

	It("should scale to zero while suspended and back up afterwards", func() {
		instance := testutil.NewOdooInstance("ns1", "erp")
		newReconciler(instance)
		settle("ns1", "erp")

		var got odoov1.OdooInstance
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &got)
		Expect(err).NotTo(HaveOccurred())
		got.Annotations = map[string]string{SuspendedByAnnotation: "ns1/restore-1"}
		Expect(k8sClient.Update(ctx, &got)).To(Succeed())
		settle("ns1", "erp")

		var deployment appsv1.Deployment
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &deployment)
		Expect(err).NotTo(HaveOccurred())
		Expect(*deployment.Spec.Replicas).To(Equal(int32(0)))

		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &got)
		Expect(err).NotTo(HaveOccurred())
		delete(got.Annotations, SuspendedByAnnotation)
		Expect(k8sClient.Update(ctx, &got)).To(Succeed())
		settle("ns1", "erp")

		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &deployment)
		Expect(err).NotTo(HaveOccurred())
		Expect(*deployment.Spec.Replicas).To(Equal(int32(1)))
	})

	It("should grow the filestore PVC but never shrink it", func() {
		instance := testutil.NewOdooInstance("ns1", "erp")
		newReconciler(instance)
		settle("ns1", "erp")

		var got odoov1.OdooInstance
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &got)
		Expect(err).NotTo(HaveOccurred())
		got.Spec.Filestore.Size = resource.MustParse("2Gi")
		Expect(k8sClient.Update(ctx, &got)).To(Succeed())
		settle("ns1", "erp")

		var pvc corev1.PersistentVolumeClaim
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp-filestore"}, &pvc)
		Expect(err).NotTo(HaveOccurred())
		Expect(pvc.Spec.Resources.Requests[corev1.ResourceStorage]).To(Equal(resource.MustParse("2Gi")))

		// A shrink slipping past the webhook is ignored.
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &got)
		Expect(err).NotTo(HaveOccurred())
		got.Spec.Filestore.Size = resource.MustParse("1Gi")
		Expect(k8sClient.Update(ctx, &got)).To(Succeed())
		settle("ns1", "erp")

		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp-filestore"}, &pvc)
		Expect(err).NotTo(HaveOccurred())
		Expect(pvc.Spec.Resources.Requests[corev1.ResourceStorage]).To(Equal(resource.MustParse("2Gi")))
	})

	It("should wire addon init containers in the deployment", func() {
		instance := testutil.NewOdooInstance("ns1", "erp")
		instance.Spec.Addons = []odoov1.AddonSpec{
			{
				Name: "web-responsive",
				Repo: "https://github.com/OCA/web.git",
				Path: "web_responsive",
			},
			{
				Name:                 "private-addon",
				Repo:                 "https://git.example.com/odoo/private.git",
				Branch:               "17.0",
				Commit:               "abc123",
				CredentialsSecretRef: &corev1.LocalObjectReference{Name: "git-creds"},
			},
		}
		newReconciler(instance)
		settle("ns1", "erp")

		var deployment appsv1.Deployment
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &deployment)
		Expect(err).NotTo(HaveOccurred())
		inits := deployment.Spec.Template.Spec.InitContainers
		Expect(inits).To(HaveLen(2))

		env := map[string]string{}
		for _, e := range inits[0].Env {
			env[e.Name] = e.Value
		}
		Expect(env["REPO"]).To(Equal("https://github.com/OCA/web.git"))
		Expect(env["BRANCH"]).To(Equal("main"))
		Expect(env["SUBDIR"]).To(Equal("web_responsive"))
		Expect(env["DEST"]).To(Equal("/mnt/extra-addons/web-responsive"))

		var hasGitUser bool
		for _, e := range inits[1].Env {
			if e.Name == "GIT_USERNAME" && e.ValueFrom != nil {
				hasGitUser = true
				Expect(e.ValueFrom.SecretKeyRef.Name).To(Equal("git-creds"))
			}
		}
		Expect(hasGitUser).To(BeTrue())
		Expect(deployment.Spec.Template.Annotations).To(HaveKey("odoo.cybozu.io/addons-hash"))
	})

	It("should mark an invalid spec without burning the retry budget", func() {
		instance := testutil.NewOdooInstance("ns1", "erp")
		instance.Spec.Ingress = &odoov1.IngressSpec{Enabled: true} // hostname missing
		newReconciler(instance)

		res, err := reconciler.Reconcile(ctx, instanceRequest("ns1", "erp"))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.RequeueAfter).To(BeZero())

		var got odoov1.OdooInstance
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &got)
		Expect(err).NotTo(HaveOccurred())
		cond := meta.FindStatusCondition(got.Status.Conditions, odoov1.InstanceConditionValidSpec)
		Expect(cond).NotTo(BeNil())
		Expect(cond.Reason).To(Equal(odoov1.InstanceReasonInvalidSpec))
		Expect(got.Status.RetryCount).To(BeZero())

		var deployment appsv1.Deployment
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &deployment)
		Expect(aerrors.IsNotFound(err)).To(BeTrue())
	})

	It("should stall after the retry budget is exhausted", func() {
		instance := testutil.NewOdooInstance("ns1", "erp")
		newReconciler(instance)

		// First pass only installs the finalizer.
		res, err := reconciler.Reconcile(ctx, instanceRequest("ns1", "erp"))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.RequeueAfter).NotTo(BeZero())

		for i := 0; i < maxReconcileRetries; i++ {
			dbAdmin.NextError = errors.New("connection refused")
			_, err := reconciler.Reconcile(ctx, instanceRequest("ns1", "erp"))
			if i < maxReconcileRetries-1 {
				Expect(err).To(HaveOccurred())
			} else {
				// The final failure is absorbed into the stalled condition.
				Expect(err).NotTo(HaveOccurred())
			}
		}

		var got odoov1.OdooInstance
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &got)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status.RetryCount).To(Equal(int32(maxReconcileRetries)))
		Expect(isStalled(got.Status.Conditions, got.Generation)).To(BeTrue())

		// Stalled instances are left alone.
		calls := dbAdmin.CallCount("EnsureRoleAndDatabase")
		_, err = reconciler.Reconcile(ctx, instanceRequest("ns1", "erp"))
		Expect(err).NotTo(HaveOccurred())
		Expect(dbAdmin.CallCount("EnsureRoleAndDatabase")).To(Equal(calls))

		// A spec change resets the verdict. The fake client does not
		// manage metadata.generation, so the bump the API server would
		// perform is applied by hand.
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &got)
		Expect(err).NotTo(HaveOccurred())
		got.Spec.Replicas = ptr.To(int32(2))
		got.Generation++
		Expect(k8sClient.Update(ctx, &got)).To(Succeed())
		settle("ns1", "erp")

		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &got)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status.RetryCount).To(BeZero())
		Expect(meta.FindStatusCondition(got.Status.Conditions, odoov1.ConditionStalled)).To(BeNil())
	})

	It("should retain the database and filestore on plain deletion", func() {
		instance := testutil.NewOdooInstance("ns1", "erp")
		newReconciler(instance)
		settle("ns1", "erp")

		var got odoov1.OdooInstance
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &got)
		Expect(err).NotTo(HaveOccurred())
		Expect(k8sClient.Delete(ctx, &got)).To(Succeed())

		settle("ns1", "erp")

		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &got)
		Expect(aerrors.IsNotFound(err)).To(BeTrue())
		Expect(dbAdmin.HasRole("ns1-odoo-erp")).To(BeTrue())
		Expect(dbAdmin.CallCount("DropRoleAndDatabase")).To(BeZero())

		var pvc corev1.PersistentVolumeClaim
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp-filestore"}, &pvc)
		Expect(err).NotTo(HaveOccurred())
		Expect(pvc.OwnerReferences).To(BeEmpty())
	})

	It("should drop the database and filestore when purging", func() {
		instance := testutil.NewOdooInstance("ns1", "erp")
		newReconciler(instance)
		settle("ns1", "erp")

		var got odoov1.OdooInstance
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &got)
		Expect(err).NotTo(HaveOccurred())
		got.Annotations = map[string]string{PurgeAnnotation: "true"}
		Expect(k8sClient.Update(ctx, &got)).To(Succeed())
		Expect(k8sClient.Delete(ctx, &got)).To(Succeed())

		settle("ns1", "erp")

		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &got)
		Expect(aerrors.IsNotFound(err)).To(BeTrue())
		Expect(dbAdmin.HasRole("ns1-odoo-erp")).To(BeFalse())

		var pvc corev1.PersistentVolumeClaim
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp-filestore"}, &pvc)
		Expect(aerrors.IsNotFound(err)).To(BeTrue())
	})

	It("should terminate backends and retry when the purged database is busy", func() {
		instance := testutil.NewOdooInstance("ns1", "erp")
		newReconciler(instance)
		settle("ns1", "erp")

		dbAdmin.Busy["ns1-odoo-erp"] = true

		var got odoov1.OdooInstance
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &got)
		Expect(err).NotTo(HaveOccurred())
		got.Annotations = map[string]string{PurgeAnnotation: "true"}
		Expect(k8sClient.Update(ctx, &got)).To(Succeed())
		Expect(k8sClient.Delete(ctx, &got)).To(Succeed())

		res, err := reconciler.Reconcile(ctx, instanceRequest("ns1", "erp"))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.RequeueAfter).NotTo(BeZero())
		Expect(dbAdmin.CallCount("TerminateBackends")).To(Equal(1))
		Expect(dbAdmin.HasRole("ns1-odoo-erp")).To(BeTrue())

		settle("ns1", "erp")
		Expect(dbAdmin.HasRole("ns1-odoo-erp")).To(BeFalse())
	})
})

var _ = Describe("buildOdooConf", func() {
	It("should render keys in a stable order", func() {
		a := buildOdooConf("ns1-odoo-erp", "secret", map[string]string{"workers": "2"})
		b := buildOdooConf("ns1-odoo-erp", "secret", map[string]string{"workers": "2"})
		Expect(a).To(Equal(b))

		lines := strings.Split(strings.TrimSpace(a), "\n")
		Expect(lines[0]).To(Equal("[options]"))
		body := lines[1:]
		sorted := append([]string(nil), body...)
		for i := 1; i < len(sorted); i++ {
			Expect(sorted[i-1] < sorted[i]).To(BeTrue())
		}
	})

	It("should omit admin_passwd when no password is supplied", func() {
		conf := buildOdooConf("u", "", nil)
		Expect(conf).NotTo(ContainSubstring("admin_passwd"))
	})
})
