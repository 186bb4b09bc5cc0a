package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// ProviderAWS is the registry key for the EC2 driver.
const ProviderAWS = "aws"

// terminatePollInterval is how often WaitTerminated re-describes the instance.
const terminatePollInterval = 5 * time.Second

// waitRunningTimeout bounds the provider-side running waiter.
const waitRunningTimeout = 5 * time.Minute

// EC2API is the narrow slice of the EC2 client the driver uses.
// Satisfied by *ec2.Client; tests substitute a fake.
type EC2API interface {
	RunInstances(context.Context, *ec2.RunInstancesInput, ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StopInstances(context.Context, *ec2.StopInstancesInput, ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	StartInstances(context.Context, *ec2.StartInstancesInput, ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	TerminateInstances(context.Context, *ec2.TerminateInstancesInput, ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	CreateKeyPair(context.Context, *ec2.CreateKeyPairInput, ...func(*ec2.Options)) (*ec2.CreateKeyPairOutput, error)
	DeleteKeyPair(context.Context, *ec2.DeleteKeyPairInput, ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error)
	CreateSecurityGroup(context.Context, *ec2.CreateSecurityGroupInput, ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(context.Context, *ec2.AuthorizeSecurityGroupIngressInput, ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	DeleteSecurityGroup(context.Context, *ec2.DeleteSecurityGroupInput, ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error)
	CreateTags(context.Context, *ec2.CreateTagsInput, ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	CreateImage(context.Context, *ec2.CreateImageInput, ...func(*ec2.Options)) (*ec2.CreateImageOutput, error)
	DeregisterImage(context.Context, *ec2.DeregisterImageInput, ...func(*ec2.Options)) (*ec2.DeregisterImageOutput, error)
	DescribeImages(context.Context, *ec2.DescribeImagesInput, ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
}

// EC2Driver implements Driver on AWS EC2.
type EC2Driver struct {
	api EC2API
	ssh ScriptRunner
}

// NewEC2Factory returns a Factory that builds EC2 drivers from static
// connector credentials. Register under ProviderAWS.
func NewEC2Factory(ssh ScriptRunner) Factory {
	return func(ctx context.Context, creds Credentials, region string) (Driver, error) {
		cfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(region),
			awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(creds.AccessKey, creds.SecretKey, ""),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return NewEC2Driver(ec2.NewFromConfig(cfg), ssh), nil
	}
}

// NewEC2Driver wraps an EC2 client and an SSH runner as a Driver.
func NewEC2Driver(api EC2API, ssh ScriptRunner) *EC2Driver {
	return &EC2Driver{api: api, ssh: ssh}
}

func (d *EC2Driver) CreateKeyPair(ctx context.Context, name string) (KeyPair, error) {
	out, err := d.api.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName: aws.String(name),
	})
	if err != nil {
		return KeyPair{}, fmt.Errorf("create keypair %s: %w", name, err)
	}
	return KeyPair{
		ID:       aws.ToString(out.KeyPairId),
		Name:     aws.ToString(out.KeyName),
		Material: aws.ToString(out.KeyMaterial),
	}, nil
}

func (d *EC2Driver) DeleteKeyPair(ctx context.Context, name string) error {
	_, err := d.api.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{
		KeyName: aws.String(name),
	})
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("delete keypair %s: %w", name, err)
	}
	return nil
}

func (d *EC2Driver) CreateInstance(ctx context.Context, spec LaunchSpec) (string, error) {
	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.ImageRef),
		InstanceType: ec2types.InstanceType(spec.InstanceType),
		KeyName:      aws.String(spec.KeyName),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
	}
	if len(spec.SecurityGroupIDs) > 0 {
		in.SecurityGroupIds = spec.SecurityGroupIDs
	}
	if len(spec.Tags) > 0 {
		in.TagSpecifications = []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags:         toEC2Tags(spec.Tags),
		}}
	}

	out, err := d.api.RunInstances(ctx, in)
	if err != nil {
		return "", fmt.Errorf("run instances: %w", err)
	}
	if len(out.Instances) == 0 {
		return "", fmt.Errorf("run instances: provider returned no instances")
	}
	return aws.ToString(out.Instances[0].InstanceId), nil
}

func (d *EC2Driver) WaitRunning(ctx context.Context, instanceID string) error {
	client, ok := d.api.(ec2.DescribeInstancesAPIClient)
	if !ok {
		return d.pollRunning(ctx, instanceID)
	}
	waiter := ec2.NewInstanceRunningWaiter(client)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	}, waitRunningTimeout); err != nil {
		return fmt.Errorf("wait running %s: %w", instanceID, err)
	}
	return nil
}

// pollRunning is the waiter fallback for API fakes that don't satisfy the
// generated waiter interface.
func (d *EC2Driver) pollRunning(ctx context.Context, instanceID string) error {
	deadline := time.Now().Add(waitRunningTimeout)
	for time.Now().Before(deadline) {
		st, err := d.instanceState(ctx, instanceID)
		if err != nil {
			return err
		}
		if st == ec2types.InstanceStateNameRunning {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(terminatePollInterval):
		}
	}
	return fmt.Errorf("wait running %s: timed out", instanceID)
}

func (d *EC2Driver) DescribeIP(ctx context.Context, instanceID string) (string, error) {
	out, err := d.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return "", fmt.Errorf("describe instance %s: %w", instanceID, err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return "", fmt.Errorf("describe instance %s: %w", instanceID, errNoSuchInstance)
	}

	ip := aws.ToString(out.Reservations[0].Instances[0].PublicIpAddress)
	// The API briefly reports the string "Association" while an elastic IP
	// association is in flight; treat it like "not assigned yet".
	if ip == "" || ip == "Association" {
		return "", nil
	}
	if addr, err := netip.ParseAddr(ip); err != nil || !addr.Is4() {
		return "", nil
	}
	return ip, nil
}

var errNoSuchInstance = fmt.Errorf("instance not found")

func (d *EC2Driver) StopInstance(ctx context.Context, instanceID string) error {
	_, err := d.api.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("stop instance %s: %w", instanceID, err)
	}
	return nil
}

func (d *EC2Driver) StartInstance(ctx context.Context, instanceID string) error {
	_, err := d.api.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("start instance %s: %w", instanceID, err)
	}
	return nil
}

func (d *EC2Driver) TerminateInstance(ctx context.Context, instanceID string) error {
	_, err := d.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("terminate instance %s: %w", instanceID, err)
	}
	return nil
}

func (d *EC2Driver) WaitTerminated(ctx context.Context, instanceID string, timeout time.Duration) (TerminateStatus, error) {
	deadline := time.Now().Add(timeout)
	lastState := ec2types.InstanceStateName("")

	for {
		st, err := d.instanceState(ctx, instanceID)
		if err != nil {
			if IsNotFound(err) {
				return TerminateDone, nil
			}
			return "", err
		}
		lastState = st
		if st == ec2types.InstanceStateNameTerminated {
			return TerminateDone, nil
		}

		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(terminatePollInterval):
		}
	}

	if lastState == ec2types.InstanceStateNameStopping {
		return TerminateStillStopping, nil
	}
	return "", fmt.Errorf("wait terminated %s: still %s after %s", instanceID, lastState, timeout)
}

func (d *EC2Driver) instanceState(ctx context.Context, instanceID string) (ec2types.InstanceStateName, error) {
	out, err := d.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return "", err
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return "", errNoSuchInstance
	}
	inst := out.Reservations[0].Instances[0]
	if inst.State == nil {
		return "", fmt.Errorf("instance %s has no state", instanceID)
	}
	return inst.State.Name, nil
}

func (d *EC2Driver) CreateSecurityGroup(ctx context.Context, name, description string) (string, error) {
	out, err := d.api.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String(description),
	})
	if err != nil {
		return "", fmt.Errorf("create security group %s: %w", name, err)
	}
	return aws.ToString(out.GroupId), nil
}

func (d *EC2Driver) AuthorizeIngress(ctx context.Context, groupID, cidr string, port int) error {
	_, err := d.api.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: aws.String(groupID),
		IpPermissions: []ec2types.IpPermission{{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int32(int32(port)),
			ToPort:     aws.Int32(int32(port)),
			IpRanges:   []ec2types.IpRange{{CidrIp: aws.String(cidr)}},
		}},
	})
	if err != nil && !IsDuplicate(err) {
		return fmt.Errorf("authorize ingress %s %s:%d: %w", groupID, cidr, port, err)
	}
	return nil
}

func (d *EC2Driver) DeleteSecurityGroup(ctx context.Context, groupID string) error {
	_, err := d.api.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
		GroupId: aws.String(groupID),
	})
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("delete security group %s: %w", groupID, err)
	}
	return nil
}

func (d *EC2Driver) TagResource(ctx context.Context, resourceID string, tags map[string]string) error {
	_, err := d.api.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{resourceID},
		Tags:      toEC2Tags(tags),
	})
	if err != nil {
		return fmt.Errorf("tag %s: %w", resourceID, err)
	}
	return nil
}

func (d *EC2Driver) RunScript(ctx context.Context, ip, privateKeyPEM, script string) (ScriptResult, error) {
	return d.ssh.Run(ctx, ip, privateKeyPEM, script)
}

func (d *EC2Driver) CreateImage(ctx context.Context, instanceID, name string) (string, error) {
	out, err := d.api.CreateImage(ctx, &ec2.CreateImageInput{
		InstanceId: aws.String(instanceID),
		Name:       aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("create image from %s: %w", instanceID, err)
	}
	return aws.ToString(out.ImageId), nil
}

func (d *EC2Driver) DeregisterImage(ctx context.Context, imageID string) error {
	_, err := d.api.DeregisterImage(ctx, &ec2.DeregisterImageInput{
		ImageId: aws.String(imageID),
	})
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("deregister image %s: %w", imageID, err)
	}
	return nil
}

func (d *EC2Driver) WaitImageAvailable(ctx context.Context, imageID string, retries int, delay time.Duration) error {
	var lastState ec2types.ImageState
	for i := 0; i < retries; i++ {
		out, err := d.api.DescribeImages(ctx, &ec2.DescribeImagesInput{
			ImageIds: []string{imageID},
		})
		if err != nil && !IsNotFound(err) && !IsTransient(err) {
			return fmt.Errorf("describe image %s: %w", imageID, err)
		}
		if err == nil && len(out.Images) > 0 {
			lastState = out.Images[0].State
			if lastState == ec2types.ImageStateAvailable {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("image %s not available after %d retries (state %s)", imageID, retries, lastState)
}

// validationActions are the dry-runnable calls ValidateAccount probes.
func (d *EC2Driver) ValidateAccount(ctx context.Context) (AccountValidation, error) {
	var missing []string

	probes := []struct {
		action string
		call   func() error
	}{
		{"ec2:RunInstances", func() error {
			_, err := d.api.RunInstances(ctx, &ec2.RunInstancesInput{
				ImageId:      aws.String("ami-00000000000000000"),
				InstanceType: ec2types.InstanceTypeT3Micro,
				MinCount:     aws.Int32(1),
				MaxCount:     aws.Int32(1),
				DryRun:       aws.Bool(true),
			})
			return err
		}},
		{"ec2:DescribeInstances", func() error {
			_, err := d.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{DryRun: aws.Bool(true)})
			return err
		}},
		{"ec2:TerminateInstances", func() error {
			_, err := d.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
				InstanceIds: []string{"i-00000000000000000"},
				DryRun:      aws.Bool(true),
			})
			return err
		}},
		{"ec2:CreateSecurityGroup", func() error {
			_, err := d.api.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
				GroupName:   aws.String("burrow-validate"),
				Description: aws.String("dry run"),
				DryRun:      aws.Bool(true),
			})
			return err
		}},
		{"ec2:CreateKeyPair", func() error {
			_, err := d.api.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
				KeyName: aws.String("burrow-validate"),
				DryRun:  aws.Bool(true),
			})
			return err
		}},
	}

	for _, p := range probes {
		err := p.call()
		switch {
		case err == nil:
			// DryRun=true always errors; nil means the fake in tests.
		case errorCode(err) == "DryRunOperation":
			// Allowed.
		case IsAccessDenied(err):
			missing = append(missing, p.action)
		case IsAuthFailure(err):
			return AccountValidation{}, fmt.Errorf("validate account: %w", err)
		default:
			slog.Warn("account validation probe failed", "action", p.action, "error", err)
		}
	}

	return AccountValidation{OK: len(missing) == 0, Missing: missing}, nil
}

func toEC2Tags(tags map[string]string) []ec2types.Tag {
	out := make([]ec2types.Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out
}
