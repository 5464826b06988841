package awsprovider

import (
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/servicediscovery"
	sdtypes "github.com/aws/aws-sdk-go-v2/service/servicediscovery/types"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/provider"
	"github.com/cuemby/flotilla/pkg/types"
	"github.com/cuemby/flotilla/pkg/workload"
	"github.com/google/uuid"
)

// CloudMapAPI is the subset of the Cloud Map client used by CloudMap
type CloudMapAPI interface {
	servicediscovery.ListServicesAPIClient
	servicediscovery.ListInstancesAPIClient
	CreateService(ctx context.Context, params *servicediscovery.CreateServiceInput, optFns ...func(*servicediscovery.Options)) (*servicediscovery.CreateServiceOutput, error)
	DeleteService(ctx context.Context, params *servicediscovery.DeleteServiceInput, optFns ...func(*servicediscovery.Options)) (*servicediscovery.DeleteServiceOutput, error)
	RegisterInstance(ctx context.Context, params *servicediscovery.RegisterInstanceInput, optFns ...func(*servicediscovery.Options)) (*servicediscovery.RegisterInstanceOutput, error)
	DeregisterInstance(ctx context.Context, params *servicediscovery.DeregisterInstanceInput, optFns ...func(*servicediscovery.Options)) (*servicediscovery.DeregisterInstanceOutput, error)
	GetOperation(ctx context.Context, params *servicediscovery.GetOperationInput, optFns ...func(*servicediscovery.Options)) (*servicediscovery.GetOperationOutput, error)
}

// CloudMap implements provider.Discovery on a Cloud Map namespace
type CloudMap struct {
	client      CloudMapAPI
	namespaceID string
}

var _ provider.Discovery = (*CloudMap)(nil)

// NewCloudMap wraps a Cloud Map client scoped to one namespace
func NewCloudMap(client CloudMapAPI, namespaceID string) *CloudMap {
	return &CloudMap{client: client, namespaceID: namespaceID}
}

// ListServices lists the services of the namespace
func (c *CloudMap) ListServices(ctx context.Context) ([]types.ServiceRecord, error) {
	input := &servicediscovery.ListServicesInput{}
	if c.namespaceID != "" {
		input.Filters = []sdtypes.ServiceFilter{{
			Name:      sdtypes.ServiceFilterNameNamespaceId,
			Values:    []string{c.namespaceID},
			Condition: sdtypes.FilterConditionEq,
		}}
	}

	var out []types.ServiceRecord
	p := servicediscovery.NewListServicesPaginator(c.client, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classify("list services", err)
		}
		for _, s := range page.Services {
			out = append(out, types.ServiceRecord{
				ID:          aws.ToString(s.Id),
				Name:        aws.ToString(s.Name),
				Description: aws.ToString(s.Description),
				TTL:         recordTTL(s.DnsConfig),
				CreatedAt:   aws.ToTime(s.CreateDate),
			})
		}
	}
	return out, nil
}

// CreateService creates a multivalue SRV service
func (c *CloudMap) CreateService(ctx context.Context, name, description string, ttl int64) (*types.ServiceRecord, error) {
	out, err := c.client.CreateService(ctx, &servicediscovery.CreateServiceInput{
		Name:             aws.String(name),
		NamespaceId:      aws.String(c.namespaceID),
		Description:      optString(description),
		CreatorRequestId: aws.String(uuid.NewString()),
		DnsConfig: &sdtypes.DnsConfig{
			RoutingPolicy: sdtypes.RoutingPolicyMultivalue,
			DnsRecords: []sdtypes.DnsRecord{
				{Type: sdtypes.RecordTypeSrv, TTL: aws.Int64(ttl)},
			},
		},
	})
	if err != nil {
		return nil, classify("create service "+name, err)
	}

	log.Logger.Info().
		Str("component", "awsprovider").
		Str("service", name).
		Str("service_id", aws.ToString(out.Service.Id)).
		Msg("service created")

	return &types.ServiceRecord{
		ID:          aws.ToString(out.Service.Id),
		Name:        aws.ToString(out.Service.Name),
		Description: aws.ToString(out.Service.Description),
		TTL:         recordTTL(out.Service.DnsConfig),
		CreatedAt:   aws.ToTime(out.Service.CreateDate),
	}, nil
}

// DeleteService deletes a service
func (c *CloudMap) DeleteService(ctx context.Context, id string) error {
	_, err := c.client.DeleteService(ctx, &servicediscovery.DeleteServiceInput{Id: aws.String(id)})
	return classify("delete service "+id, err)
}

// ListEndpoints lists the registered instances of a service
func (c *CloudMap) ListEndpoints(ctx context.Context, serviceID string) ([]types.Endpoint, error) {
	var out []types.Endpoint
	p := servicediscovery.NewListInstancesPaginator(c.client, &servicediscovery.ListInstancesInput{
		ServiceId: aws.String(serviceID),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classify("list instances of "+serviceID, err)
		}
		for _, inst := range page.Instances {
			out = append(out, endpointFromAttributes(aws.ToString(inst.Id), inst.Attributes))
		}
	}
	return out, nil
}

// RegisterEndpoint registers an endpoint and returns the operation id
func (c *CloudMap) RegisterEndpoint(ctx context.Context, serviceID string, ep types.Endpoint) (string, error) {
	out, err := c.client.RegisterInstance(ctx, &servicediscovery.RegisterInstanceInput{
		ServiceId:        aws.String(serviceID),
		InstanceId:       aws.String(ep.InstanceID),
		CreatorRequestId: aws.String(uuid.NewString()),
		Attributes:       endpointAttributes(ep),
	})
	if err != nil {
		return "", classify("register instance "+ep.InstanceID, err)
	}
	return aws.ToString(out.OperationId), nil
}

// DeregisterEndpoint deregisters an endpoint and returns the operation id
func (c *CloudMap) DeregisterEndpoint(ctx context.Context, serviceID, endpointID string) (string, error) {
	out, err := c.client.DeregisterInstance(ctx, &servicediscovery.DeregisterInstanceInput{
		ServiceId:  aws.String(serviceID),
		InstanceId: aws.String(endpointID),
	})
	if err != nil {
		return "", classify("deregister instance "+endpointID, err)
	}
	return aws.ToString(out.OperationId), nil
}

// OperationStatus returns the state of a registry operation
func (c *CloudMap) OperationStatus(ctx context.Context, operationID string) (provider.OperationStatus, error) {
	out, err := c.client.GetOperation(ctx, &servicediscovery.GetOperationInput{OperationId: aws.String(operationID)})
	if err != nil {
		return "", classify("get operation "+operationID, err)
	}
	if out.Operation == nil {
		return provider.OperationPending, nil
	}

	status := provider.OperationStatus(out.Operation.Status)
	if status == provider.OperationFail {
		log.Logger.Warn().
			Str("component", "awsprovider").
			Str("operation_id", operationID).
			Str("error_code", aws.ToString(out.Operation.ErrorCode)).
			Msg(aws.ToString(out.Operation.ErrorMessage))
	}
	return status, nil
}

func recordTTL(cfg *sdtypes.DnsConfig) int64 {
	if cfg == nil {
		return 0
	}
	for _, r := range cfg.DnsRecords {
		if r.TTL != nil {
			return *r.TTL
		}
	}
	return 0
}

func endpointAttributes(ep types.Endpoint) map[string]string {
	attrs := make(map[string]string, len(ep.Attributes)+2)
	for k, v := range ep.Attributes {
		attrs[k] = v
	}
	if ep.Address != "" {
		attrs[workload.AttrInstanceIPv4] = ep.Address
	}
	if ep.Port > 0 {
		attrs[workload.AttrInstancePort] = strconv.Itoa(int(ep.Port))
	}
	return attrs
}

func endpointFromAttributes(id string, attrs map[string]string) types.Endpoint {
	ep := types.Endpoint{
		InstanceID: id,
		Address:    attrs[workload.AttrInstanceIPv4],
		Attributes: attrs,
	}
	if port, err := strconv.ParseInt(attrs[workload.AttrInstancePort], 10, 32); err == nil {
		ep.Port = int32(port)
	}
	return ep
}
