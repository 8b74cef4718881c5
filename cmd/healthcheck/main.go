package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/JoeShih716/branch-ledger/pkg/grpc"
)

// healthcheck 供容器健康檢查使用：SERVING 時 exit 0，否則 exit 1
func main() {
	target := flag.String("target", "localhost:50051", "grpc health endpoint")
	service := flag.String("service", "", "service name, empty for overall status")
	timeout := flag.Duration("timeout", 3*time.Second, "check timeout")
	flag.Parse()

	pool := grpc.NewPool()
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	status, err := pool.Check(ctx, *target, *service)
	if err != nil {
		log.Printf("health check failed: %v", err)
		os.Exit(1)
	}
	if status != healthpb.HealthCheckResponse_SERVING {
		log.Printf("%s is %s", *target, status)
		os.Exit(1)
	}
	log.Printf("%s is %s", *target, status)
}
