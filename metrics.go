package targetvision

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	photosProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "targetvision_photos_processed_total",
		Help: "Photos that finished the pipeline, labeled by outcome.",
	}, []string{"outcome"})

	describeSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "targetvision_describe_seconds",
		Help:    "Wall time of provider describe calls including retries.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"provider"})
)
