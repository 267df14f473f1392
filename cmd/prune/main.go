package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-prune/internal/checkpoint"
	"github.com/23skdu/longbow-prune/internal/config"
	"github.com/23skdu/longbow-prune/internal/flightpush"
	"github.com/23skdu/longbow-prune/internal/layers"
	"github.com/23skdu/longbow-prune/internal/logger"
	"github.com/23skdu/longbow-prune/internal/sparsity"
	"github.com/23skdu/longbow-prune/internal/tensor"
)

var (
	inputDim    = flag.Int("dim", 64, "Projection input dimension")
	numHeads    = flag.Int("heads", 8, "Number of attention heads")
	dimPerHead  = flag.Int("head-dim", 8, "Dimension per head")
	rate        = flag.String("rate", "2:4", "Structured sparsity rate n:m")
	modeName    = flag.String("mode", "materialize", "Sparsity mode: inference|materialize|training|oneshot|fewshot")
	numShots    = flag.Int("shots", 0, "Mask update budget for fewshot mode")
	seed        = flag.Int64("seed", 123, "Weight init seed")
	batch       = flag.Int("batch", 4, "Batch size of the probe input")
	outPath     = flag.String("out", "", "Write the sparsified QKV checkpoint to this Arrow file")
	pushHost    = flag.String("push", "", "Push the sparsified weights to this Flight host")
	pushPort    = flag.Int("push-port", flightpush.PortData, "Flight data port")
	metricsAddr = flag.String("metrics", ":9090", "Address to serve Prometheus metrics")
	logLevel    = flag.String("log-level", "info", "Log level")
	logFormat   = flag.String("log-format", "console", "Log format: console|json")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)
	log := logger.Log.With("prune")

	n, m, err := config.ParseRate(*rate)
	if err != nil {
		log.Error("invalid rate", "err", err)
		os.Exit(1)
	}
	mode, err := sparsity.ParseMode(*modeName)
	if err != nil {
		log.Error("invalid mode", "err", err)
		os.Exit(1)
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		log.Info("metrics serving", "addr", fmt.Sprintf("%s/metrics", *metricsAddr))
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Warn("metrics server stopped", "err", err)
		}
	}()

	proj := &layers.CombinedQKVProjection{
		Name:       "qkv",
		InputDim:   *inputDim,
		NumHeads:   *numHeads,
		DimPerHead: *dimPerHead,
		UseBias:    true,
		Sparsity: sparsity.HParams{
			Type:      sparsity.TypeStructuredNM,
			Mode:      mode,
			PruneRate: [2]int{n, m},
			NumShots:  *numShots,
		},
	}
	if err := proj.Init(*seed); err != nil {
		log.Error("layer init failed", "err", err)
		os.Exit(1)
	}
	log.Info("initialized fused QKV projection",
		"input_dim", *inputDim, "heads", *numHeads, "head_dim", *dimPerHead,
		"rate", *rate, "mode", mode.String())

	rng := rand.New(rand.NewSource(*seed + 1))
	in := tensor.RandNormal(rng, "probe", 1.0, *batch, *inputDim)
	q, k, v, err := proj.Apply(in)
	if err != nil {
		log.Error("forward pass failed", "err", err)
		os.Exit(1)
	}

	for _, out := range []*tensor.Tensor{q, k, v} {
		s := tensor.ComputeStats(out.Data())
		log.Info("projection output", "tensor", out.Name(),
			"mean", s.Mean, "std", s.Std, "min", s.Min, "max", s.Max,
			"nans", s.NaNs, "infs", s.Infs)
	}
	if mask := proj.Mask(); mask != nil {
		log.Info("pruning mask", "ratio", sparsity.Ratio(mask), "elements", len(mask))
	} else {
		log.Info("no mask computed (inference mode)")
	}

	if *outPath != "" {
		if err := checkpoint.WriteFile(*outPath, proj.Weights(), proj.Mask()); err != nil {
			log.Error("checkpoint write failed", "path", *outPath, "err", err)
			os.Exit(1)
		}
		log.Info("checkpoint written", "path", *outPath)
	}

	if *pushHost != "" {
		client, err := flightpush.New(*pushHost, *pushPort)
		if err != nil {
			log.Error("flight client setup failed", "err", err)
			os.Exit(1)
		}
		ctx := context.Background()
		if err := client.Connect(ctx); err != nil {
			log.Error("flight connect failed", "addr", client.Addr(), "err", err)
			os.Exit(1)
		}
		defer client.Close()
		if err := client.PushLayer(ctx, "qkv", proj.Weights(), proj.Mask()); err != nil {
			log.Error("flight push failed", "err", err)
			os.Exit(1)
		}
		log.Info("weights pushed", "addr", client.Addr())
	}
}
