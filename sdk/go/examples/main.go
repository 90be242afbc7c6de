package main

import (
	"context"
	"log"
	"time"

	"github.com/hewenyu/capabilities-directory/pkg/directory"
	"github.com/hewenyu/capabilities-directory/pkg/model"
	sdk "github.com/hewenyu/capabilities-directory/sdk/go"
)

func main() {
	// 配置SDK客户端
	client, err := sdk.NewClient(&sdk.Config{
		ServerAddr: "localhost:8080",
		Timeout:    5 * time.Second,
		RetryCount: 3,
	})
	if err != nil {
		log.Fatalf("创建SDK客户端失败: %v", err)
	}

	// 以SDK作为全局目录创建本地目录
	dir, err := directory.New(directory.Options{
		ClusterControllerID:   "example-cc",
		KnownGbids:            []string{"joynrdefaultgbid"},
		DefaultExpiryInterval: time.Hour,
		MessageTTL:            10 * time.Second,
	}, client)
	if err != nil {
		log.Fatalf("创建目录失败: %v", err)
	}

	ctx := context.Background()
	address, err := model.SerializeAddress(&model.MqttAddress{BrokerURI: "tcp://localhost:1883", Topic: "example/radio"})
	if err != nil {
		log.Fatalf("序列化地址失败: %v", err)
	}
	entry := &model.Entry{
		ProviderVersion: model.Version{Major: 1},
		Domain:          "io.example",
		InterfaceName:   "vehicle/Radio",
		ParticipantID:   model.NewParticipantID(),
		Qos:             model.ProviderQos{Scope: model.ProviderScopeGlobal},
		Address:         address,
	}

	// 注册并等待全局确认
	future, err := dir.Register(ctx, entry, directory.RegisterOptions{AwaitGlobalRegistration: true})
	if err != nil {
		log.Fatalf("注册失败: %v", err)
	}
	if err := future.Wait(ctx); err != nil {
		log.Fatalf("全局注册失败: %v", err)
	}
	log.Printf("注册成功，参与者ID: %s", entry.ParticipantID)

	qos := model.DefaultDiscoveryQos()
	qos.DiscoveryScope = model.DiscoveryScopeGlobalOnly
	found, err := dir.Lookup(ctx, []string{"io.example"}, "vehicle/Radio", qos, nil)
	if err != nil {
		log.Fatalf("查询失败: %v", err)
	}
	log.Printf("全局目录中找到%d个条目", len(found))

	future, err = dir.Unregister(ctx, entry.ParticipantID)
	if err != nil {
		log.Fatalf("注销失败: %v", err)
	}
	if err := future.Wait(ctx); err != nil {
		log.Printf("全局注销失败: %v", err)
	}
	log.Println("已注销")
}
