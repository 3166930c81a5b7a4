package controller

import (
	"context"

	odoov1 "github.com/cybozu-go/odoo-operator/api/v1"
	"github.com/cybozu-go/odoo-operator/internal/controller/internal/objectstorage"
	"github.com/cybozu-go/odoo-operator/internal/controller/internal/testutil"
	"github.com/cybozu-go/odoo-operator/internal/neutralize"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	aerrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

func s3Source() odoov1.RestoreSource {
	return odoov1.RestoreSource{
		Type: odoov1.RestoreSourceS3,
		S3: &odoov1.ObjectStorageSpec{
			Bucket:    "backup-bucket",
			ObjectKey: "ns1/bk1.zip",
			Endpoint:  "http://minio.example:9000",
		},
	}
}

func instanceSource(name string) odoov1.RestoreSource {
	return odoov1.RestoreSource{
		Type:         odoov1.RestoreSourceInstance,
		InstanceName: name,
	}
}

var _ = Describe("OdooRestoreJob controller", func() {
	ctx := context.Background()

	var k8sClient client.Client
	var bucket *testutil.FakeBucket
	var dbAdmin *testutil.FakeDBAdmin
	var locks *JobLocks
	var reconciler *OdooRestoreJobReconciler

	newReconciler := func(objs ...client.Object) {
		k8sClient = newTestClient(objs...)
		bucket = testutil.NewFakeBucket()
		dbAdmin = testutil.NewFakeDBAdmin()
		locks = NewJobLocks()
		factory := func(_ context.Context, _ *odoov1.ObjectStorageSpec, _, _ string) (objectstorage.Bucket, error) {
			return bucket, nil
		}
		reconciler = NewOdooRestoreJobReconciler(k8sClient, testScheme, locks, factory, dbAdmin, neutralize.DefaultPolicy(), OperatorDefaults{
			Release: "odoo",
			MCImage: "quay.io/minio/mc:latest",
		})
	}

	reconcile := func(namespace, name string) ctrl.Result {
		res, err := reconciler.Reconcile(ctx, ctrl.Request{
			NamespacedName: types.NamespacedName{Namespace: namespace, Name: name},
		})
		Expect(err).NotTo(HaveOccurred())
		return res
	}

	getRestore := func(namespace, name string) *odoov1.OdooRestoreJob {
		var restore odoov1.OdooRestoreJob
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &restore)
		Expect(err).NotTo(HaveOccurred())
		return &restore
	}

	getInstance := func(namespace, name string) *odoov1.OdooInstance {
		var instance odoov1.OdooInstance
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &instance)
		Expect(err).NotTo(HaveOccurred())
		return &instance
	}

	completeWorker := func(restore *odoov1.OdooRestoreJob) {
		var worker batchv1.Job
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: restore.Namespace, Name: MakeRestoreWorkerJobName(restore)}, &worker)
		Expect(err).NotTo(HaveOccurred())
		worker.Status.Conditions = append(worker.Status.Conditions, batchv1.JobCondition{
			Type:   batchv1.JobComplete,
			Status: corev1.ConditionTrue,
		})
		Expect(k8sClient.Status().Update(ctx, &worker)).To(Succeed())
	}

	It("should restore from an archive and lift the suspension afterwards", func() {
		instance := testutil.NewOdooInstance("ns1", "erp")
		restore := testutil.NewOdooRestoreJob("ns1", "rs1", "erp", s3Source())
		restore.UID = "restore-uid-1"
		newReconciler(instance, restore)

		reconcile("ns1", "rs1") // finalizer
		reconcile("ns1", "rs1") // admit
		Expect(getRestore("ns1", "rs1").Status.Phase).To(Equal(odoov1.JobPhaseRunning))

		reconcile("ns1", "rs1") // suspend, drained (no deployment), stage
		Expect(getInstance("ns1", "erp").Annotations[SuspendedByAnnotation]).To(Equal("ns1/rs1"))

		var cm corev1.ConfigMap
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "odoo-restore-restore-uid-1-sql"}, &cm)
		Expect(err).NotTo(HaveOccurred())
		Expect(cm.Data["neutralize.sql"]).NotTo(BeEmpty())

		var worker batchv1.Job
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "odoo-restore-restore-uid-1"}, &worker)
		Expect(err).NotTo(HaveOccurred())
		Expect(worker.Spec.Template.Spec.InitContainers).To(HaveLen(1))
		Expect(worker.Spec.Template.Spec.InitContainers[0].Name).To(Equal("download"))
		Expect(worker.Spec.Template.Spec.InitContainers[0].Image).To(Equal("quay.io/minio/mc:latest"))
		Expect(worker.Spec.Template.Spec.Containers[0].Name).To(Equal("restore"))
		Expect(worker.Spec.Template.Spec.Containers[0].Image).To(Equal("ghcr.io/example/odoo:17.0"))

		completeWorker(getRestore("ns1", "rs1"))
		reconcile("ns1", "rs1")

		got := getRestore("ns1", "rs1")
		Expect(got.Status.Phase).To(Equal(odoov1.JobPhaseSucceeded))
		Expect(got.Status.Neutralized).To(BeTrue())
		Expect(got.Status.FinishedAt).NotTo(BeNil())

		Expect(getInstance("ns1", "erp").Annotations).NotTo(HaveKey(SuspendedByAnnotation))
		_, held := locks.Holder(types.NamespacedName{Namespace: "ns1", Name: "erp"})
		Expect(held).To(BeFalse())
	})

	It("should wait for the workload to drain before staging", func() {
		instance := testutil.NewOdooInstance("ns1", "erp")
		deployment := &appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Namespace: "ns1", Name: "erp"},
			Status:     appsv1.DeploymentStatus{Replicas: 2},
		}
		restore := testutil.NewOdooRestoreJob("ns1", "rs1", "erp", s3Source())
		restore.UID = "restore-uid-1"
		newReconciler(instance, deployment, restore)

		reconcile("ns1", "rs1")
		reconcile("ns1", "rs1")
		res := reconcile("ns1", "rs1")
		Expect(res.RequeueAfter).NotTo(BeZero())

		// Suspended, but pods still terminating: no worker yet.
		Expect(getInstance("ns1", "erp").Annotations[SuspendedByAnnotation]).To(Equal("ns1/rs1"))
		var worker batchv1.Job
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "odoo-restore-restore-uid-1"}, &worker)
		Expect(aerrors.IsNotFound(err)).To(BeTrue())

		var deploy appsv1.Deployment
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "erp"}, &deploy)
		Expect(err).NotTo(HaveOccurred())
		deploy.Status.Replicas = 0
		Expect(k8sClient.Status().Update(ctx, &deploy)).To(Succeed())

		reconcile("ns1", "rs1")
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "odoo-restore-restore-uid-1"}, &worker)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should clone another instance through the database server", func() {
		target := testutil.NewOdooInstance("ns1", "staging")
		source := testutil.NewOdooInstance("ns1", "erp")
		restore := testutil.NewOdooRestoreJob("ns1", "rs1", "staging", instanceSource("erp"))
		restore.UID = "restore-uid-1"
		newReconciler(target, source, restore)

		reconcile("ns1", "rs1")
		reconcile("ns1", "rs1")
		reconcile("ns1", "rs1")

		// Both instances are suspended while the template copy runs.
		Expect(getInstance("ns1", "staging").Annotations[SuspendedByAnnotation]).To(Equal("ns1/rs1"))
		Expect(getInstance("ns1", "erp").Annotations[SuspendedByAnnotation]).To(Equal("ns1/rs1"))

		Expect(dbAdmin.Calls).To(ContainElement("CloneDatabase(ns1-odoo-erp->ns1-odoo-staging)"))

		var worker batchv1.Job
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "odoo-restore-restore-uid-1"}, &worker)
		Expect(err).NotTo(HaveOccurred())
		Expect(worker.Spec.Template.Spec.InitContainers).To(BeEmpty())
		Expect(worker.Spec.Template.Spec.Containers[0].Name).To(Equal("sync"))

		completeWorker(getRestore("ns1", "rs1"))
		reconcile("ns1", "rs1")

		Expect(getRestore("ns1", "rs1").Status.Phase).To(Equal(odoov1.JobPhaseSucceeded))
		Expect(getInstance("ns1", "staging").Annotations).NotTo(HaveKey(SuspendedByAnnotation))
		Expect(getInstance("ns1", "erp").Annotations).NotTo(HaveKey(SuspendedByAnnotation))
	})

	It("should terminate backends and retry when the source database is busy", func() {
		target := testutil.NewOdooInstance("ns1", "staging")
		source := testutil.NewOdooInstance("ns1", "erp")
		restore := testutil.NewOdooRestoreJob("ns1", "rs1", "staging", instanceSource("erp"))
		restore.UID = "restore-uid-1"
		newReconciler(target, source, restore)
		dbAdmin.Busy["ns1-odoo-erp"] = true

		reconcile("ns1", "rs1")
		reconcile("ns1", "rs1")
		res := reconcile("ns1", "rs1")
		Expect(res.RequeueAfter).NotTo(BeZero())
		Expect(dbAdmin.CallCount("TerminateBackends")).To(Equal(2))

		var worker batchv1.Job
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "odoo-restore-restore-uid-1"}, &worker)
		Expect(aerrors.IsNotFound(err)).To(BeTrue())

		// The backends are gone now; the clone goes through.
		reconcile("ns1", "rs1")
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "odoo-restore-restore-uid-1"}, &worker)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should reject cloning an instance into itself", func() {
		instance := testutil.NewOdooInstance("ns1", "erp")
		restore := testutil.NewOdooRestoreJob("ns1", "rs1", "erp", instanceSource("erp"))
		restore.UID = "restore-uid-1"
		newReconciler(instance, restore)

		reconcile("ns1", "rs1")
		reconcile("ns1", "rs1")

		got := getRestore("ns1", "rs1")
		Expect(got.Status.Phase).To(Equal(odoov1.JobPhaseFailed))
		cond := meta.FindStatusCondition(got.Status.Conditions, odoov1.JobConditionProgressing)
		Expect(cond.Message).To(ContainSubstring("must differ"))
	})

	It("should skip the scrub when neutralize is disabled", func() {
		instance := testutil.NewOdooInstance("ns1", "erp")
		restore := testutil.NewOdooRestoreJob("ns1", "rs1", "erp", s3Source())
		restore.UID = "restore-uid-1"
		restore.Spec.Neutralize = new(bool) // false
		newReconciler(instance, restore)

		reconcile("ns1", "rs1")
		reconcile("ns1", "rs1")
		reconcile("ns1", "rs1")

		var cm corev1.ConfigMap
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "odoo-restore-restore-uid-1-sql"}, &cm)
		Expect(aerrors.IsNotFound(err)).To(BeTrue())

		completeWorker(getRestore("ns1", "rs1"))
		reconcile("ns1", "rs1")

		got := getRestore("ns1", "rs1")
		Expect(got.Status.Phase).To(Equal(odoov1.JobPhaseSucceeded))
		Expect(got.Status.Neutralized).To(BeFalse())
	})

	It("should queue behind a backup job holding the instance", func() {
		instance := testutil.NewOdooInstance("ns1", "erp")
		restore := testutil.NewOdooRestoreJob("ns1", "rs1", "erp", s3Source())
		restore.UID = "restore-uid-1"
		newReconciler(instance, restore)

		instanceNN := types.NamespacedName{Namespace: "ns1", Name: "erp"}
		Expect(locks.TryAcquire(instanceNN, types.NamespacedName{Namespace: "ns1", Name: "bk1"})).To(BeTrue())

		reconcile("ns1", "rs1")
		res := reconcile("ns1", "rs1")
		Expect(res.RequeueAfter).NotTo(BeZero())

		got := getRestore("ns1", "rs1")
		Expect(got.Status.Phase).To(Equal(odoov1.JobPhasePending))
		cond := meta.FindStatusCondition(got.Status.Conditions, odoov1.JobConditionProgressing)
		Expect(cond.Reason).To(Equal(odoov1.JobReasonWaitingForActiveJob))

		locks.Release(instanceNN, types.NamespacedName{Namespace: "ns1", Name: "bk1"})
		reconcile("ns1", "rs1")
		Expect(getRestore("ns1", "rs1").Status.Phase).To(Equal(odoov1.JobPhaseRunning))
	})

	It("should stay pending while a backup is Running with empty locks", func() {
		// After an operator restart the locks are rebuilt lazily; the
		// Running backup recorded in the status must still block admission.
		instance := testutil.NewOdooInstance("ns1", "erp")
		backup := testutil.NewOdooBackupJob("ns1", "bk1", "erp")
		backup.UID = "backup-uid-1"
		backup.Finalizers = []string{odoov1.OdooBackupJobFinalizerName}
		backup.Status.Phase = odoov1.JobPhaseRunning
		restore := testutil.NewOdooRestoreJob("ns1", "rs1", "erp", s3Source())
		restore.UID = "restore-uid-1"
		newReconciler(instance, backup, restore)

		reconcile("ns1", "rs1")
		res := reconcile("ns1", "rs1")
		Expect(res.RequeueAfter).NotTo(BeZero())

		got := getRestore("ns1", "rs1")
		Expect(got.Status.Phase).To(Equal(odoov1.JobPhasePending))
		cond := meta.FindStatusCondition(got.Status.Conditions, odoov1.JobConditionProgressing)
		Expect(cond.Reason).To(Equal(odoov1.JobReasonWaitingForActiveJob))

		holder := &odoov1.OdooBackupJob{}
		Expect(k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "bk1"}, holder)).To(Succeed())
		holder.Status.Phase = odoov1.JobPhaseSucceeded
		Expect(k8sClient.Status().Update(ctx, holder)).To(Succeed())

		reconcile("ns1", "rs1")
		Expect(getRestore("ns1", "rs1").Status.Phase).To(Equal(odoov1.JobPhaseRunning))
	})

	It("should resume the instance when a running restore is deleted", func() {
		instance := testutil.NewOdooInstance("ns1", "erp")
		restore := testutil.NewOdooRestoreJob("ns1", "rs1", "erp", s3Source())
		restore.UID = "restore-uid-1"
		newReconciler(instance, restore)

		reconcile("ns1", "rs1")
		reconcile("ns1", "rs1")
		reconcile("ns1", "rs1")
		Expect(getInstance("ns1", "erp").Annotations[SuspendedByAnnotation]).To(Equal("ns1/rs1"))

		Expect(k8sClient.Delete(ctx, getRestore("ns1", "rs1"))).To(Succeed())
		reconcile("ns1", "rs1")

		var gone odoov1.OdooRestoreJob
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "rs1"}, &gone)
		Expect(aerrors.IsNotFound(err)).To(BeTrue())

		Expect(getInstance("ns1", "erp").Annotations).NotTo(HaveKey(SuspendedByAnnotation))
		var worker batchv1.Job
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "odoo-restore-restore-uid-1"}, &worker)
		Expect(aerrors.IsNotFound(err)).To(BeTrue())

		_, held := locks.Holder(types.NamespacedName{Namespace: "ns1", Name: "erp"})
		Expect(held).To(BeFalse())
	})
})
