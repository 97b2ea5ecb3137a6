// Package watchedkv implements registryadapter.Adapter over Kubernetes
// itself, treating the cluster as a watched key-value store. Each NMOS
// resource is stored as an unstructured custom resource (group
// nmos.io/v1alpha1, one GVR per resource collection), labeled and keyed
// by UUID in a single namespace; Snapshot lists, Events watches, both via
// the dynamic client.
package watchedkv

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/nmos-tools/queryservice/internal/logger"
	"github.com/nmos-tools/queryservice/internal/registryadapter"
	"github.com/nmos-tools/queryservice/internal/resource"
)

// group/version backing every NMOS resource CRD this adapter watches.
const (
	apiGroup   = "nmos.io"
	apiVersion = "v1alpha1"
)

var gvrByType = map[resource.Type]schema.GroupVersionResource{
	resource.TypeNode:     {Group: apiGroup, Version: apiVersion, Resource: "nodes"},
	resource.TypeDevice:   {Group: apiGroup, Version: apiVersion, Resource: "devices"},
	resource.TypeSource:   {Group: apiGroup, Version: apiVersion, Resource: "sources"},
	resource.TypeFlow:     {Group: apiGroup, Version: apiVersion, Resource: "flows"},
	resource.TypeSender:   {Group: apiGroup, Version: apiVersion, Resource: "senders"},
	resource.TypeReceiver:  {Group: apiGroup, Version: apiVersion, Resource: "receivers"},
}

var allTypes = []resource.Type{
	resource.TypeNode, resource.TypeDevice, resource.TypeSource,
	resource.TypeFlow, resource.TypeSender, resource.TypeReceiver,
}

// Adapter implements registryadapter.Adapter over a dynamic Kubernetes
// client.
type Adapter struct {
	dynamicClient dynamic.Interface
	namespace     string
	watchers      []watch.Interface

	cacheMu  sync.Mutex
	docCache map[registryadapter.Key]resource.Doc
}

// Config configures the watchedkv adapter.
type Config struct {
	Namespace  string
	Kubeconfig string // empty => in-cluster config, falling back to ~/.kube/config
}

// New creates an Adapter, resolving Kubernetes config exactly as the
// teacher's getConfig does: in-cluster first, kubeconfig fallback.
func New(cfg Config) (*Adapter, error) {
	restCfg, err := getConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("resolve kubeconfig: %w", err)
	}

	dynamicClient, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create dynamic client: %w", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "nmos-registry"
	}

	return &Adapter{
		dynamicClient: dynamicClient,
		namespace:     namespace,
		docCache:      make(map[registryadapter.Key]resource.Doc),
	}, nil
}

func getConfig(kubeconfigPath string) (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}

	kubeconfig := kubeconfigPath
	if kubeconfig == "" {
		kubeconfig = os.Getenv("KUBECONFIG")
	}
	if kubeconfig == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		kubeconfig = filepath.Join(home, ".kube", "config")
	}

	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

// Snapshot lists resources of the given type, or every type when all is
// true, via the dynamic client's List.
func (a *Adapter) Snapshot(ctx context.Context, resourceType resource.Type, all bool) ([]resource.Doc, error) {
	types := []resource.Type{resourceType}
	if all {
		types = allTypes
	}

	var out []resource.Doc
	for _, t := range types {
		gvr, ok := gvrByType[t]
		if !ok {
			continue
		}
		list, err := a.dynamicClient.Resource(gvr).Namespace(a.namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", t, err)
		}
		for _, item := range list.Items {
			doc, err := docFromUnstructured(&item)
			if err != nil {
				logger.Registry().Warn().Err(err).Str("type", string(t)).Msg("skipping malformed resource")
				continue
			}
			a.cachePut(registryadapter.Key{Type: t, ID: doc.ID()}, doc)
			out = append(out, doc)
		}
	}
	return out, nil
}

// Events starts one watch per resource type and fans their events into a
// single merged channel, translating watch.Event into ChangeEvent. The
// channel is closed when ctx is cancelled or as soon as any one of the
// watches ends, so the caller can reconnect.
func (a *Adapter) Events(ctx context.Context) (<-chan registryadapter.ChangeEvent, error) {
	out := make(chan registryadapter.ChangeEvent, 256)
	wctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	for _, t := range allTypes {
		gvr := gvrByType[t]
		watcher, err := a.dynamicClient.Resource(gvr).Namespace(a.namespace).Watch(wctx, metav1.ListOptions{})
		if err != nil {
			cancel()
			for _, w := range a.watchers {
				w.Stop()
			}
			a.watchers = nil
			return nil, fmt.Errorf("watch %s: %w", t, err)
		}
		a.watchers = append(a.watchers, watcher)
		wg.Add(1)
		go func(t resource.Type, watcher watch.Interface) {
			defer wg.Done()
			defer cancel()
			a.forward(wctx, t, watcher, out)
		}(t, watcher)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}

func (a *Adapter) forward(ctx context.Context, t resource.Type, watcher watch.Interface, out chan<- registryadapter.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.ResultChan():
			if !ok {
				return
			}
			ce, err := a.toChangeEvent(t, ev)
			if err != nil {
				logger.Registry().Warn().Err(err).Msg("dropping malformed watch event")
				continue
			}
			select {
			case out <- ce:
			case <-ctx.Done():
				return
			}
		}
	}
}

// toChangeEvent translates a watch.Event into a ChangeEvent, filling Pre
// from the adapter's local id->doc cache so Added/Modified carry the
// previous document alongside the new one (needed for filter-entry and
// filter-exit transitions downstream in the fan-out engine).
func (a *Adapter) toChangeEvent(t resource.Type, ev watch.Event) (registryadapter.ChangeEvent, error) {
	u, ok := ev.Object.(*unstructured.Unstructured)
	if !ok {
		return registryadapter.ChangeEvent{}, fmt.Errorf("unexpected watch object type %T", ev.Object)
	}

	doc, err := docFromUnstructured(u)
	if err != nil {
		return registryadapter.ChangeEvent{}, err
	}

	key := registryadapter.Key{Type: t, ID: doc.ID()}

	switch ev.Type {
	case watch.Added, watch.Modified:
		pre, _ := a.cacheGet(key)
		a.cachePut(key, doc)
		return registryadapter.ChangeEvent{Action: registryadapter.ActionSet, Key: key, Pre: pre, Post: doc}, nil
	case watch.Deleted:
		a.cacheDelete(key)
		return registryadapter.ChangeEvent{Action: registryadapter.ActionDelete, Key: key, Pre: doc}, nil
	default:
		return registryadapter.ChangeEvent{}, fmt.Errorf("unhandled watch event type %s", ev.Type)
	}
}

func (a *Adapter) cacheGet(key registryadapter.Key) (resource.Doc, bool) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	doc, ok := a.docCache[key]
	return doc, ok
}

func (a *Adapter) cachePut(key registryadapter.Key, doc resource.Doc) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	a.docCache[key] = doc
}

func (a *Adapter) cacheDelete(key registryadapter.Key) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	delete(a.docCache, key)
}

// docFromUnstructured reads the "spec.document" field (the JSON-encoded
// NMOS resource body) off the custom resource into a resource.Doc.
func docFromUnstructured(u *unstructured.Unstructured) (resource.Doc, error) {
	raw, found, err := unstructured.NestedString(u.Object, "spec", "document")
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("custom resource %s missing spec.document", u.GetName())
	}

	var doc resource.Doc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode spec.document: %w", err)
	}
	if doc.ID() == "" {
		doc["id"] = u.GetName()
	}
	return doc, nil
}

// Close stops every in-flight watch.
func (a *Adapter) Close() error {
	for _, w := range a.watchers {
		w.Stop()
	}
	a.watchers = nil
	return nil
}
