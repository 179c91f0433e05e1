/*
包 server 提供 serve 命令使用的 HTTP 服务器生命周期管理。

Manager 封装 net/http.Server：Start 非阻塞地监听并服务，Shutdown 在
ShutdownTimeout 内排空请求，WaitForShutdown 等待 ctx、SIGINT/SIGTERM
或服务异常后关闭。Addr 在启动后返回实际绑定的地址，便于监听 ":0"。

Config 可由 config.ServerConfig 通过 FromServerConfig 构造。
*/
package server
