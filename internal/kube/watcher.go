package kube

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
)

// DefaultRestartDelay is the pause before a closed watch is re-opened.
const DefaultRestartDelay = 5 * time.Second

// Watcher turns service and ingress events into change notifications.
type Watcher struct {
	client       kubernetes.Interface
	log          logrus.FieldLogger
	restartDelay time.Duration
	timeout      time.Duration
}

type watchedResource struct {
	name  string
	list  func(ctx context.Context) (string, error)
	watch func(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error)
}

// NewWatcher returns a watcher. A positive timeout asks the API server to
// close each watch after that long; the watch is then re-opened.
func NewWatcher(client kubernetes.Interface, restartDelay, timeout time.Duration, log logrus.FieldLogger) *Watcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if restartDelay <= 0 {
		restartDelay = DefaultRestartDelay
	}
	return &Watcher{client: client, restartDelay: restartDelay, timeout: timeout, log: log.WithField("component", "kube-watch")}
}

func (w *Watcher) watchOptions(resourceVersion string) metav1.ListOptions {
	opts := metav1.ListOptions{ResourceVersion: resourceVersion, AllowWatchBookmarks: true}
	if w.timeout > 0 {
		seconds := int64(w.timeout.Seconds())
		opts.TimeoutSeconds = &seconds
	}
	return opts
}

// Watch blocks until ctx is cancelled, calling notify for every relevant
// ADDED, MODIFIED or DELETED event.
//
// Each resource is listed once to learn its current resourceVersion and
// every re-opened watch resumes from the last version seen, so a restart
// does not replay existing objects. When that version has expired the
// resource is listed again and notify is called with a "resync" reason.
func (w *Watcher) Watch(ctx context.Context, notify func(reason string)) {
	resources := []watchedResource{
		{
			name: "services",
			list: func(ctx context.Context) (string, error) {
				l, err := w.client.CoreV1().Services("").List(ctx, metav1.ListOptions{Limit: 1})
				if err != nil {
					return "", err
				}
				return l.ResourceVersion, nil
			},
			watch: func(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error) {
				return w.client.CoreV1().Services("").Watch(ctx, opts)
			},
		},
		{
			name: "ingresses",
			list: func(ctx context.Context) (string, error) {
				l, err := w.client.NetworkingV1().Ingresses("").List(ctx, metav1.ListOptions{Limit: 1})
				if err != nil {
					return "", err
				}
				return l.ResourceVersion, nil
			},
			watch: func(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error) {
				return w.client.NetworkingV1().Ingresses("").Watch(ctx, opts)
			},
		},
	}

	var wg sync.WaitGroup
	for _, r := range resources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx, r, notify)
		}()
	}
	wg.Wait()
}

func (w *Watcher) loop(ctx context.Context, r watchedResource, notify func(string)) {
	log := w.log.WithField("resource", r.name)
	var resourceVersion string
	relist, resync := true, false
	for {
		if relist {
			rv, err := r.list(ctx)
			if err != nil {
				log.WithError(err).Warn("failed to list")
				if !w.pause(ctx) {
					return
				}
				continue
			}
			resourceVersion, relist = rv, false
			if resync {
				notify(r.name + " resync")
				resync = false
			}
		}

		watcher, err := r.watch(ctx, w.watchOptions(resourceVersion))
		if err != nil {
			log.WithError(err).Warn("failed to start watch")
		} else {
			log.WithField("resource_version", resourceVersion).Debug("watch started")
			var expired bool
			resourceVersion, expired = w.consume(ctx, r.name, watcher, resourceVersion, notify)
			watcher.Stop()
			if expired {
				log.Info("resource version expired, listing again")
				relist, resync = true, true
			}
		}
		if ctx.Err() != nil {
			return
		}
		log.WithField("retry_in", w.restartDelay.String()).Info("watch closed, restarting")
		if !w.pause(ctx) {
			return
		}
	}
}

func (w *Watcher) pause(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.restartDelay):
		return true
	}
}

// consume forwards events until the watch ends and returns the last
// resourceVersion seen. expired reports that the version is too old to
// resume from.
func (w *Watcher) consume(ctx context.Context, resource string, watcher watch.Interface, resourceVersion string, notify func(string)) (last string, expired bool) {
	last = resourceVersion
	for {
		select {
		case <-ctx.Done():
			return last, false
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return last, false
			}
			switch event.Type {
			case watch.Added, watch.Modified, watch.Deleted:
				last = objectVersion(event, last)
				notify(resource + " " + string(event.Type))
			case watch.Bookmark:
				last = objectVersion(event, last)
			case watch.Error:
				err := apierrors.FromObject(event.Object)
				w.log.WithField("resource", resource).WithError(err).Warn("watch error event")
				return last, apierrors.IsResourceExpired(err) || apierrors.IsGone(err)
			}
		}
	}
}

func objectVersion(event watch.Event, fallback string) string {
	obj, err := meta.Accessor(event.Object)
	if err != nil || obj.GetResourceVersion() == "" {
		return fallback
	}
	return obj.GetResourceVersion()
}
