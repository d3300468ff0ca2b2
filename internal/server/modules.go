package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/hsn0918/edakb/internal/adapters"
	"github.com/hsn0918/edakb/internal/agentic"
	"github.com/hsn0918/edakb/internal/clients/embedding"
	"github.com/hsn0918/edakb/internal/clients/openai"
	"github.com/hsn0918/edakb/internal/clients/rerank"
	"github.com/hsn0918/edakb/internal/config"
	"github.com/hsn0918/edakb/internal/engine"
	"github.com/hsn0918/edakb/internal/history"
	"github.com/hsn0918/edakb/internal/index"
	"github.com/hsn0918/edakb/internal/logger"
	"github.com/hsn0918/edakb/internal/parentdocs"
	"github.com/hsn0918/edakb/internal/pdfproc"
	"github.com/hsn0918/edakb/internal/redis"
	"github.com/hsn0918/edakb/internal/storage"
	"github.com/hsn0918/edakb/internal/tasks"
	"github.com/hsn0918/edakb/internal/tools"
)

// Module 是主要的FX依赖注入模块
var Module = fx.Options(
	// 基础设施模块
	InfrastructureModule,
	// 客户端模块
	ClientsModule,
	// 服务模块
	ServicesModule,
	// HTTP服务器模块
	HTTPServerModule,
	// 启动器
	fx.Invoke(StartHTTPServer),
)

// InfrastructureModule 基础设施模块 - 配置、日志、存储、缓存
var InfrastructureModule = fx.Module("infrastructure",
	fx.Provide(
		NewAppConfig,
		NewAppLogger,
		NewVectorStore,
		NewCacheService,
		NewHistoryStore,
		NewParentStore,
		NewSparseIndex,
		NewToolRegistry,
	),
)

// ClientsModule 客户端模块 - 外部服务客户端
var ClientsModule = fx.Module("clients",
	fx.Provide(
		NewExternalClients,
		func(clients *ExternalClients) *storage.Archive { return clients.Archive },
	),
)

// ServicesModule 服务模块 - 业务逻辑服务
var ServicesModule = fx.Module("services",
	fx.Provide(
		NewEngine,
		NewAgenticController,
		NewTaskManager,
		NewServer,
	),
)

// HTTPServerModule HTTP服务器模块
var HTTPServerModule = fx.Module("http_server",
	fx.Provide(
		NewHTTPHandler,
	),
)

// ================================
// 基础设施构造函数
// ================================

// NewAppConfig 创建应用配置并准备数据目录
func NewAppConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return cfg, nil
}

// NewAppLogger 初始化全局日志器
func NewAppLogger() (*zap.Logger, error) {
	if err := logger.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger.GetLogger(), nil
}

// NewVectorStore 创建向量数据库连接
func NewVectorStore(lc fx.Lifecycle, cfg *config.Config, _ *zap.Logger) (adapters.VectorStore, error) {
	dimensions := embedding.GetDefaultDimensions(cfg.Services.Embedding.Model)
	logger.GetLogger().Info("初始化向量数据库",
		zap.String("model", cfg.Services.Embedding.Model),
		zap.Int("dimensions", dimensions))

	store, err := adapters.NewPostgresVectorStore(context.Background(),
		cfg.Database.DSN(), dimensions)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector store: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			store.Close()
			return nil
		},
	})
	return store, nil
}

// NewCacheService 创建可选的 Redis 缓存，未启用时返回 nil
func NewCacheService(lc fx.Lifecycle, cfg *config.Config, _ *zap.Logger) (*redis.CacheService, error) {
	if !cfg.Redis.Enabled {
		logger.GetLogger().Info("Redis 缓存未启用")
		return nil, nil
	}
	client, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			client.Close()
			return nil
		},
	})
	return redis.NewCacheService(client), nil
}

// NewHistoryStore 创建会话历史库
func NewHistoryStore(lc fx.Lifecycle, cfg *config.Config) (*history.Store, error) {
	store, err := history.NewStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

// NewParentStore 创建父文档存储
func NewParentStore(cfg *config.Config) *parentdocs.Store {
	return parentdocs.NewStore(cfg.DataDir)
}

// NewSparseIndex 创建 BM25 索引，分词器带上数据目录下的领域词典
func NewSparseIndex(cfg *config.Config) *index.BM25 {
	tokenizer := index.NewTokenizer(filepath.Join(cfg.DataDir, "eda_terms.txt"))
	return index.NewBM25(tokenizer, cfg.DataDir)
}

// NewToolRegistry 创建工具注册表
func NewToolRegistry(cfg *config.Config) *tools.Registry {
	return tools.NewRegistry(cfg.DataDir)
}

// ================================
// 客户端构造函数
// ================================

// ExternalClients 汇集所有外部服务客户端
type ExternalClients struct {
	Embedding embedding.Embedder
	LLM       *openai.Client
	Reranker  rerank.Reranker
	Archive   *storage.Archive
}

// NewExternalClients 根据配置创建所有客户端。嵌入客户端在启用缓存时
// 包一层 Redis 缓存；MinIO 归档未启用时为 nil。
func NewExternalClients(cfg *config.Config, cache *redis.CacheService) (*ExternalClients, error) {
	var embedder embedding.Embedder = embedding.NewClient(cfg.Services.Embedding)
	if cache != nil {
		embedder = embedding.NewCachedEmbedder(embedder, cache, cfg.Services.Embedding.Model)
	}

	clients := &ExternalClients{
		Embedding: embedder,
		LLM:       openai.NewClient(cfg.Services.LLM),
		Reranker:  rerank.NewClient(cfg.Services.Reranker),
	}

	if cfg.MinIO.Enabled {
		archive, err := storage.NewArchive(context.Background(), cfg.MinIO)
		if err != nil {
			return nil, fmt.Errorf("failed to create MinIO archive: %w", err)
		}
		clients.Archive = archive
	}
	return clients, nil
}

// ================================
// 服务构造函数
// ================================

// NewEngine 组装检索引擎并恢复持久化状态
func NewEngine(
	cfg *config.Config,
	store adapters.VectorStore,
	cache *redis.CacheService,
	clients *ExternalClients,
	hist *history.Store,
	parents *parentdocs.Store,
	bm25 *index.BM25,
	registry *tools.Registry,
) (*engine.Engine, error) {
	eng := engine.New(engine.Deps{
		Config:    cfg.Retrieval,
		Store:     store,
		Embedder:  clients.Embedding,
		Reranker:  clients.Reranker,
		LLM:       clients.LLM,
		BM25:      bm25,
		Parents:   parents,
		Registry:  registry,
		Processor: pdfproc.NewProcessor(),
		History:   hist,
		Cache:     cache,
	})
	if err := eng.Init(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}
	return eng, nil
}

// NewAgenticController 创建 Agentic 问答控制器
func NewAgenticController(eng *engine.Engine, clients *ExternalClients, hist *history.Store) *agentic.Controller {
	return agentic.NewController(eng, clients.LLM, hist)
}

// NewTaskManager 创建后台入库任务池
func NewTaskManager(lc fx.Lifecycle, cfg *config.Config, eng *engine.Engine) *tasks.Manager {
	manager := tasks.NewManager(cfg.Tasks.Workers, eng.Ingest)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			manager.Stop()
			return nil
		},
	})
	return manager
}

// ================================
// HTTP服务器构造函数
// ================================

// withCORS 放开跨域限制，前端开发环境直接访问
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewHTTPHandler 创建HTTP服务器
func NewHTTPHandler(srv *Server, cfg *config.Config) *http.Server {
	mux := srv.Routes()

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	logger.GetLogger().Info("HTTP服务器配置完成", zap.String("address", addr))

	return &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(withCORS(mux), &http2.Server{}),
	}
}

// ================================
// 生命周期管理
// ================================

// StartHTTPServer 启动HTTP服务器
func StartHTTPServer(httpServer *http.Server, lifecycle fx.Lifecycle, shutdowner fx.Shutdowner) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.GetLogger().Info("启动HTTP服务器", zap.String("addr", httpServer.Addr))
			go func() {
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.GetLogger().Error("HTTP服务器启动失败", zap.Error(err))
					if shutdownErr := shutdowner.Shutdown(); shutdownErr != nil {
						logger.GetLogger().Error("应用程序关闭失败", zap.Error(shutdownErr))
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.GetLogger().Info("停止HTTP服务器")
			logger.Sync()
			return httpServer.Shutdown(ctx)
		},
	})
}
