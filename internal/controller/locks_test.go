package controller

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/apimachinery/pkg/types"
)

var _ = Describe("JobLocks", func() {
	nn := func(name string) types.NamespacedName {
		return types.NamespacedName{Namespace: "ns1", Name: name}
	}

	It("should grant one holder per instance", func() {
		locks := NewJobLocks()
		Expect(locks.TryAcquire(nn("erp"), nn("bk1"))).To(BeTrue())
		Expect(locks.TryAcquire(nn("erp"), nn("bk2"))).To(BeFalse())
		Expect(locks.TryAcquire(nn("other"), nn("bk2"))).To(BeTrue())

		holder, held := locks.Holder(nn("erp"))
		Expect(held).To(BeTrue())
		Expect(holder).To(Equal(nn("bk1")))
	})

	It("should let the holder re-acquire idempotently", func() {
		locks := NewJobLocks()
		Expect(locks.TryAcquire(nn("erp"), nn("bk1"))).To(BeTrue())
		Expect(locks.TryAcquire(nn("erp"), nn("bk1"))).To(BeTrue())
	})

	It("should ignore a release by a non-holder", func() {
		locks := NewJobLocks()
		Expect(locks.TryAcquire(nn("erp"), nn("bk1"))).To(BeTrue())
		locks.Release(nn("erp"), nn("bk2"))

		_, held := locks.Holder(nn("erp"))
		Expect(held).To(BeTrue())

		locks.Release(nn("erp"), nn("bk1"))
		_, held = locks.Holder(nn("erp"))
		Expect(held).To(BeFalse())
		Expect(locks.TryAcquire(nn("erp"), nn("bk2"))).To(BeTrue())
	})
})
