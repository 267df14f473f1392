package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-prune/internal/config"
	"github.com/23skdu/longbow-prune/internal/sparsity"
)

var (
	weights = flag.String("w", "1,2,3,4", "Comma-separated weight values")
	rate    = flag.String("rate", "2:4", "Structured sparsity rate n:m")
)

func main() {
	flag.Parse()

	parts := strings.Split(*weights, ",")
	w := make([]float32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad weight %q: %v\n", p, err)
			os.Exit(1)
		}
		w[i] = float32(v)
	}

	n, m, err := config.ParseRate(*rate)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	mask, err := sparsity.MaskNM(w, n, m)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("weights: %v\n", w)
	fmt.Printf("mask:    %v\n", mask)
	fmt.Printf("pruned:  %v\n", sparsity.Apply(w, mask))
	fmt.Printf("ratio:   %.2f\n", sparsity.Ratio(mask))
}
