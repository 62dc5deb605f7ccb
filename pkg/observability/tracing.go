package observability

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// InitTracerProvider 初始化并设置全局的 TracerProvider。
// 返回的函数用于在程序结束时关闭 TracerProvider。
func InitTracerProvider(serviceName string) (func(context.Context), error) {
	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String("v0.1.0"),
		),
	)
	if err != nil {
		log.Printf("创建 OTEL Resource 失败: %v\n", err)
		return nil, err
	}

	// 默认使用标准输出 Exporter，方便本地查看追踪信息。
	// 需要 Jaeger 或 OTLP 时在这里替换。
	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		log.Printf("创建标准输出 Exporter 失败: %v\n", err)
		return nil, err
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(bsp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	log.Printf("OpenTelemetry TracerProvider (服务: %s) 初始化完成，使用标准输出 Exporter。\n", serviceName)

	shutdownFunc := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("关闭 TracerProvider 失败 (服务: %s): %v\n", serviceName, err)
		}
	}

	return shutdownFunc, nil
}

// InjectNATSHeaders 把当前追踪上下文注入为可放进 NATS 消息头的 map
func InjectNATSHeaders(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier
}
