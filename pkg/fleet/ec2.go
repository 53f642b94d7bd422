package fleet

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// The subset of the EC2 API the source depends on.
type DescribeInstancesAPI interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// EC2Source discovers workers from the EC2 instance inventory: running
// instances carrying the worker tag value, addressed by private IP and a
// fixed worker port.
type EC2Source struct {
	client     DescribeInstancesAPI
	tagValue   string
	workerPort int
}

func NewEC2Source(ctx context.Context, tagValue string, workerPort int) (*EC2Source, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &EC2Source{
		client:     ec2.NewFromConfig(cfg),
		tagValue:   tagValue,
		workerPort: workerPort,
	}, nil
}

// NewEC2SourceWithClient injects the API client, for tests.
func NewEC2SourceWithClient(client DescribeInstancesAPI, tagValue string, workerPort int) *EC2Source {
	return &EC2Source{client: client, tagValue: tagValue, workerPort: workerPort}
}

func (s *EC2Source) Hosts(ctx context.Context) (map[string]struct{}, error) {
	hosts := map[string]struct{}{}

	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{
				Name:   aws.String("instance-state-name"),
				Values: []string{string(types.InstanceStateNameRunning)},
			},
			{
				Name:   aws.String("tag-value"),
				Values: []string{s.tagValue},
			},
		},
	}

	paginator := ec2.NewDescribeInstancesPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe instances: %w", err)
		}
		for _, reservation := range page.Reservations {
			for _, instance := range reservation.Instances {
				if instance.PrivateIpAddress == nil {
					continue
				}
				hosts[fmt.Sprintf("%s:%d", *instance.PrivateIpAddress, s.workerPort)] = struct{}{}
			}
		}
	}

	return hosts, nil
}
