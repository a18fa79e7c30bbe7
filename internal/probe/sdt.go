package probe

import "github.com/asticode/go-astits"

type sdtServiceDescriptor struct {
	ServiceName  string `json:"serviceName"`
	ProviderName string `json:"providerName"`
	ServiceType  uint8  `json:"serviceType"`
}

type sdtService struct {
	ServiceID   uint16                 `json:"serviceId"`
	Descriptors []sdtServiceDescriptor `json:"descriptors"`
}

type sdtInfo struct {
	SdtServices []sdtService `json:"SDT"`
}

func (p *JsonPrinter) PrintSdtInfo(sdt *astits.SDTData, show bool) {
	p.Print(toSdtInfo(sdt), show)
}

func toSdtInfo(sdt *astits.SDTData) sdtInfo {
	info := sdtInfo{SdtServices: make([]sdtService, 0, len(sdt.Services))}
	for _, s := range sdt.Services {
		svc := sdtService{ServiceID: s.ServiceID, Descriptors: make([]sdtServiceDescriptor, 0, len(s.Descriptors))}
		for _, d := range s.Descriptors {
			if d.Tag != astits.DescriptorTagService || d.Service == nil {
				continue
			}
			svc.Descriptors = append(svc.Descriptors, sdtServiceDescriptor{
				ServiceName:  string(d.Service.Name),
				ProviderName: string(d.Service.Provider),
				ServiceType:  d.Service.Type,
			})
		}
		info.SdtServices = append(info.SdtServices, svc)
	}
	return info
}

// equalSdt reports whether two SDT payloads list the same services.
func equalSdt(a, b sdtInfo) bool {
	if len(a.SdtServices) != len(b.SdtServices) {
		return false
	}
	for i := range a.SdtServices {
		sa, sb := a.SdtServices[i], b.SdtServices[i]
		if sa.ServiceID != sb.ServiceID || len(sa.Descriptors) != len(sb.Descriptors) {
			return false
		}
		for j := range sa.Descriptors {
			if sa.Descriptors[j] != sb.Descriptors[j] {
				return false
			}
		}
	}
	return true
}
