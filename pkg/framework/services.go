package framework

// ServiceRegistry 是外部服务注册表在框架侧的最小视图。
// 插件进入 Stopping 时，框架要求注销其注册的服务并释放其使用的服务。
type ServiceRegistry interface {
	UnregisterServices(p *Plugin)
	UngetServices(p *Plugin)
}

type nopServices struct{}

func (nopServices) UnregisterServices(*Plugin) {}
func (nopServices) UngetServices(*Plugin)      {}
