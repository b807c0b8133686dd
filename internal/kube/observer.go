// Package kube derives the desired DNS rewrites from LoadBalancer services
// and Traefik ingresses, and watches both for changes.
package kube

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	// HostnameAnnotation overrides the hostname published for a service.
	HostnameAnnotation = "dns.sync/hostname"

	traefikClassAnnotation  = "kubernetes.io/ingress.class"
	traefikAnnotationPrefix = "traefik.ingress.kubernetes.io"
	traefik                 = "traefik"
	clusterDomain           = "svc.cluster.local"
	loadBalancerSelector    = "spec.type=LoadBalancer"
)

// NewClientset builds a clientset from in-cluster config, falling back to
// the given kubeconfig path or ~/.kube/config.
func NewClientset(kubeconfig string) (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		path := kubeconfig
		if path == "" {
			if home, herr := os.UserHomeDir(); herr == nil {
				path = filepath.Join(home, ".kube", "config")
			}
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", path)
		if err != nil {
			return nil, fmt.Errorf("load kubernetes config: %w", err)
		}
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return client, nil
}

// Observer reads the cluster and returns hostname -> address mappings.
type Observer struct {
	client     kubernetes.Interface
	annotation string
	log        logrus.FieldLogger
}

// NewObserver returns an observer. An empty annotation selects
// HostnameAnnotation.
func NewObserver(client kubernetes.Interface, annotation string, log logrus.FieldLogger) *Observer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if strings.TrimSpace(annotation) == "" {
		annotation = HostnameAnnotation
	}
	return &Observer{client: client, annotation: annotation, log: log.WithField("component", "kube")}
}

// Observe lists LoadBalancer services and Traefik ingresses. Any API error
// is returned so the caller can skip the cycle.
func (o *Observer) Observe(ctx context.Context) (map[string]string, error) {
	services, err := o.client.CoreV1().Services("").List(ctx, metav1.ListOptions{FieldSelector: loadBalancerSelector})
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	items := services.Items
	sort.Slice(items, func(i, j int) bool {
		if items[i].Namespace != items[j].Namespace {
			return items[i].Namespace < items[j].Namespace
		}
		return items[i].Name < items[j].Name
	})

	mappings := make(map[string]string)
	var traefikIP string
	for i := range items {
		svc := &items[i]
		if svc.Spec.Type != corev1.ServiceTypeLoadBalancer {
			continue
		}
		ip := ingressIP(svc)
		if ip == "" {
			continue
		}
		if isTraefikService(svc) {
			if traefikIP == "" {
				traefikIP = ip
				o.log.WithFields(logrus.Fields{"service": svc.Namespace + "/" + svc.Name, "ip": ip}).Debug("found traefik load balancer")
			}
			continue
		}
		for _, host := range serviceHostnames(svc, o.annotation) {
			mappings[host] = ip
		}
	}

	if traefikIP != "" {
		ingresses, err := o.client.NetworkingV1().Ingresses("").List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, fmt.Errorf("list ingresses: %w", err)
		}
		for i := range ingresses.Items {
			ing := &ingresses.Items[i]
			if !isTraefikIngress(ing) {
				continue
			}
			for _, rule := range ing.Spec.Rules {
				if host := strings.TrimSpace(rule.Host); host != "" {
					mappings[strings.ToLower(host)] = traefikIP
				}
			}
		}
	}

	o.log.WithFields(logrus.Fields{"mappings": len(mappings), "traefik_ip": traefikIP}).Debug("observed cluster state")
	return mappings, nil
}

// Ping checks the API server is reachable.
func (o *Observer) Ping(context.Context) error {
	if _, err := o.client.Discovery().ServerVersion(); err != nil {
		return fmt.Errorf("kubernetes api unreachable: %w", err)
	}
	return nil
}

func ingressIP(svc *corev1.Service) string {
	for _, ing := range svc.Status.LoadBalancer.Ingress {
		if ing.IP != "" {
			return ing.IP
		}
	}
	return ""
}

func isTraefikService(svc *corev1.Service) bool {
	if strings.Contains(strings.ToLower(svc.Name), traefik) {
		return true
	}
	return svc.Labels["app"] == traefik || svc.Labels["app.kubernetes.io/name"] == traefik
}

func serviceHostnames(svc *corev1.Service, annotation string) []string {
	if value, ok := svc.Annotations[annotation]; ok {
		var hosts []string
		for _, part := range strings.Split(value, ",") {
			if host := strings.ToLower(strings.TrimSpace(part)); host != "" {
				hosts = append(hosts, host)
			}
		}
		if len(hosts) > 0 {
			return hosts
		}
	}
	return []string{fmt.Sprintf("%s.%s.%s", svc.Name, svc.Namespace, clusterDomain)}
}

func isTraefikIngress(ing *networkingv1.Ingress) bool {
	if ing.Spec.IngressClassName != nil && *ing.Spec.IngressClassName == traefik {
		return true
	}
	if ing.Annotations[traefikClassAnnotation] == traefik {
		return true
	}
	for key := range ing.Annotations {
		if strings.HasPrefix(key, traefikAnnotationPrefix) {
			return true
		}
	}
	return false
}
