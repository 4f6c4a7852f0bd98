package apiserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	miniv1 "github.com/kubeflow-mini/kubeflow-mini/api/v1"
)

// handlers serves the read-only projections plus the notebook lease
// actions. Status is never written here; actions only touch metadata
// and spec, leaving state changes to the reconcilers.
type handlers struct {
	client client.Client
	log    *zap.Logger
}

type projectSummary struct {
	Name  string               `json:"name"`
	Phase miniv1.ProjectPhase  `json:"phase"`
	Quota miniv1.ProjectQuota  `json:"quota"`
	Usage miniv1.ResourceUsage `json:"usage"`
}

type ownerSummary struct {
	Name       string            `json:"name"`
	Department string            `json:"department"`
	Phase      miniv1.OwnerPhase `json:"phase"`
}

type mljobSummary struct {
	Namespace      string            `json:"namespace"`
	Name           string            `json:"name"`
	JobID          string            `json:"jobId,omitempty"`
	Project        string            `json:"project"`
	Owner          string            `json:"owner"`
	Kind           string            `json:"kind"`
	Phase          miniv1.MLJobPhase `json:"phase"`
	StartTime      string            `json:"startTime,omitempty"`
	CompletionTime string            `json:"completionTime,omitempty"`
}

type notebookSummary struct {
	Namespace    string               `json:"namespace"`
	Name         string               `json:"name"`
	Project      string               `json:"project"`
	Phase        miniv1.NotebookPhase `json:"phase"`
	LeaseStatus  miniv1.LeaseStatus   `json:"leaseStatus"`
	LeaseStart   string               `json:"leaseStart,omitempty"`
	LeaseExpires string               `json:"leaseExpires,omitempty"`
	Renewals     int32                `json:"renewals"`
}

func (h *handlers) listProjects(c *gin.Context) {
	list := &miniv1.ProjectList{}
	if err := h.client.List(c.Request.Context(), list); err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, lo.Map(list.Items, func(p miniv1.Project, _ int) projectSummary {
		return summarizeProject(&p)
	}))
}

func (h *handlers) getProject(c *gin.Context) {
	project := &miniv1.Project{}
	if err := h.client.Get(c.Request.Context(), types.NamespacedName{Name: c.Param("name")}, project); err != nil {
		h.notFoundOrError(c, err)
		return
	}
	c.JSON(http.StatusOK, summarizeProject(project))
}

func (h *handlers) listOwners(c *gin.Context) {
	list := &miniv1.OwnerList{}
	if err := h.client.List(c.Request.Context(), list); err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, lo.Map(list.Items, func(o miniv1.Owner, _ int) ownerSummary {
		return summarizeOwner(&o)
	}))
}

func (h *handlers) getOwner(c *gin.Context) {
	owner := &miniv1.Owner{}
	if err := h.client.Get(c.Request.Context(), types.NamespacedName{Name: c.Param("name")}, owner); err != nil {
		h.notFoundOrError(c, err)
		return
	}
	c.JSON(http.StatusOK, summarizeOwner(owner))
}

func (h *handlers) listMLJobs(c *gin.Context) {
	list := &miniv1.MLJobList{}
	opts := listOptions(c)
	if err := h.client.List(c.Request.Context(), list, opts...); err != nil {
		h.serverError(c, err)
		return
	}
	jobs := list.Items
	if phase := c.Query("status"); phase != "" {
		jobs = lo.Filter(jobs, func(j miniv1.MLJob, _ int) bool {
			return string(j.Status.Phase) == phase
		})
	}
	c.JSON(http.StatusOK, lo.Map(jobs, func(j miniv1.MLJob, _ int) mljobSummary {
		return summarizeMLJob(&j)
	}))
}

func (h *handlers) getMLJob(c *gin.Context) {
	job := &miniv1.MLJob{}
	key := types.NamespacedName{Namespace: c.Param("namespace"), Name: c.Param("name")}
	if err := h.client.Get(c.Request.Context(), key, job); err != nil {
		h.notFoundOrError(c, err)
		return
	}
	c.JSON(http.StatusOK, summarizeMLJob(job))
}

func (h *handlers) listNotebooks(c *gin.Context) {
	list := &miniv1.NotebookList{}
	opts := listOptions(c)
	if err := h.client.List(c.Request.Context(), list, opts...); err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, lo.Map(list.Items, func(nb miniv1.Notebook, _ int) notebookSummary {
		return summarizeNotebook(&nb)
	}))
}

func (h *handlers) getNotebook(c *gin.Context) {
	nb := &miniv1.Notebook{}
	key := types.NamespacedName{Namespace: c.Param("namespace"), Name: c.Param("name")}
	if err := h.client.Get(c.Request.Context(), key, nb); err != nil {
		h.notFoundOrError(c, err)
		return
	}
	c.JSON(http.StatusOK, summarizeNotebook(nb))
}

// renewNotebook stamps the renew annotation; the reconciler consumes it
// and decides whether the renewal is allowed.
func (h *handlers) renewNotebook(c *gin.Context) {
	h.patchNotebook(c, func(nb *miniv1.Notebook) {
		if nb.Annotations == nil {
			nb.Annotations = map[string]string{}
		}
		nb.Annotations[miniv1.RenewLeaseAnnotation] = "true"
	})
}

func (h *handlers) stopNotebook(c *gin.Context) {
	h.patchNotebook(c, func(nb *miniv1.Notebook) {
		nb.Spec.Stopped = true
	})
}

func (h *handlers) startNotebook(c *gin.Context) {
	h.patchNotebook(c, func(nb *miniv1.Notebook) {
		nb.Spec.Stopped = false
	})
}

func (h *handlers) patchNotebook(c *gin.Context, mutate func(*miniv1.Notebook)) {
	ctx := c.Request.Context()
	nb := &miniv1.Notebook{}
	key := types.NamespacedName{Namespace: c.Param("namespace"), Name: c.Param("name")}
	if err := h.client.Get(ctx, key, nb); err != nil {
		h.notFoundOrError(c, err)
		return
	}

	nbCopy := nb.DeepCopy()
	mutate(nbCopy)
	if err := h.client.Patch(ctx, nbCopy, client.MergeFrom(nb)); err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, summarizeNotebook(nbCopy))
}

func (h *handlers) notFoundOrError(c *gin.Context, err error) {
	if apierrors.IsNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.serverError(c, err)
}

func (h *handlers) serverError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func listOptions(c *gin.Context) []client.ListOption {
	if ns := c.Query("namespace"); ns != "" {
		return []client.ListOption{client.InNamespace(ns)}
	}
	return nil
}

func summarizeProject(p *miniv1.Project) projectSummary {
	return projectSummary{
		Name:  p.Name,
		Phase: p.Status.Phase,
		Quota: p.Spec.Quota,
		Usage: p.Status.Usage,
	}
}

func summarizeOwner(o *miniv1.Owner) ownerSummary {
	return ownerSummary{
		Name:       o.Name,
		Department: o.Spec.Department,
		Phase:      o.Status.Phase,
	}
}

func summarizeMLJob(j *miniv1.MLJob) mljobSummary {
	s := mljobSummary{
		Namespace: j.Namespace,
		Name:      j.Name,
		JobID:     j.Spec.JobID,
		Project:   j.Spec.ProjectRef,
		Owner:     j.Spec.OwnerRef,
		Kind:      j.Spec.Training.Kind,
		Phase:     j.Status.Phase,
	}
	if j.Status.StartTime != nil {
		s.StartTime = j.Status.StartTime.Format(timeFormat)
	}
	if j.Status.CompletionTime != nil {
		s.CompletionTime = j.Status.CompletionTime.Format(timeFormat)
	}
	return s
}

func summarizeNotebook(nb *miniv1.Notebook) notebookSummary {
	s := notebookSummary{
		Namespace:   nb.Namespace,
		Name:        nb.Name,
		Project:     nb.Spec.ProjectRef,
		Phase:       nb.Status.Phase,
		LeaseStatus: nb.Status.LeaseStatus,
		Renewals:    nb.Status.LeaseRenewalCount,
	}
	if nb.Status.LeaseStart != nil {
		s.LeaseStart = nb.Status.LeaseStart.Format(timeFormat)
	}
	if expires := nb.LeaseExpiresAt(); expires != nil {
		s.LeaseExpires = expires.Format(timeFormat)
	}
	return s
}

const timeFormat = "2006-01-02T15:04:05Z07:00"
